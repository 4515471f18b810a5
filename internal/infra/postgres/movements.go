package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/dvloznov/box-ledger/internal/store"
)

const movementColumns = `id, box, timestamp, description, icon, amount, receipt_url, receipt_name`

// MovementStore is the PostgreSQL movement table.
type MovementStore struct {
	db *sql.DB
}

var _ store.MovementStore = (*MovementStore)(nil)

// NewMovementStore creates a store on an open database.
func NewMovementStore(db *sql.DB) *MovementStore {
	return &MovementStore{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMovement(s scanner) (domain.Movement, error) {
	var (
		m           domain.Movement
		box         string
		url, rcName sql.NullString
	)
	if err := s.Scan(&m.ID, &box, &m.Timestamp, &m.Description, &m.Icon, &m.Amount, &url, &rcName); err != nil {
		return domain.Movement{}, err
	}
	m.Box = domain.Box(box)
	if url.Valid {
		m.ReceiptURL = &url.String
	}
	if rcName.Valid {
		m.ReceiptName = &rcName.String
	}
	return m, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (r *MovementStore) List(ctx context.Context) ([]domain.Movement, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+movementColumns+` FROM movements ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("List: query: %w", classify(err))
	}
	defer rows.Close()

	var out []domain.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("List: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List: rows: %w", classify(err))
	}
	return out, nil
}

func (r *MovementStore) Insert(ctx context.Context, m domain.Movement) (domain.Movement, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `INSERT INTO movements (` + movementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + movementColumns
	row := r.db.QueryRowContext(ctx, query,
		m.ID, string(m.Box), m.Timestamp, m.Description, m.Icon, m.Amount,
		nullable(m.ReceiptURL), nullable(m.ReceiptName))

	stored, err := scanMovement(row)
	if err != nil {
		return domain.Movement{}, fmt.Errorf("Insert: %w", classify(err))
	}
	return stored, nil
}

func (r *MovementStore) DeleteByID(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM movements WHERE id = $1`, id); err != nil {
		return fmt.Errorf("DeleteByID: %w", classify(err))
	}
	return nil
}

func (r *MovementStore) DeleteByBox(ctx context.Context, b domain.Box) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM movements WHERE box = $1`, string(b)); err != nil {
		return fmt.Errorf("DeleteByBox: %w", classify(err))
	}
	return nil
}
