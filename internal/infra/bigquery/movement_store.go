// Package bigquery implements store.MovementStore on a BigQuery table using
// DML statements.
package bigquery

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/dvloznov/box-ledger/internal/store"
)

const movementsTable = "movements"

// MovementStore is the BigQuery movement table. It holds a shared client to
// avoid creating a new connection for each operation.
type MovementStore struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

var _ store.MovementStore = (*MovementStore)(nil)

// NewMovementStore creates a store with its own client.
func NewMovementStore(ctx context.Context, projectID, datasetID string) (*MovementStore, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewMovementStore: creating client: %w", err)
	}
	return NewMovementStoreWithClient(client, projectID, datasetID), nil
}

// NewMovementStoreWithClient wraps an existing client.
func NewMovementStoreWithClient(client *bigquery.Client, projectID, datasetID string) *MovementStore {
	return &MovementStore{client: client, projectID: projectID, datasetID: datasetID}
}

// Close closes the BigQuery client connection.
func (s *MovementStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Table returns the fully qualified, backtick-quoted table name.
func (s *MovementStore) Table() string {
	return tableRef(s.projectID, s.datasetID)
}

func tableRef(projectID, datasetID string) string {
	return "`" + projectID + "." + datasetID + "." + movementsTable + "`"
}

func (s *MovementStore) List(ctx context.Context) ([]domain.Movement, error) {
	q := s.client.Query(`
		SELECT id, box, timestamp, description, icon, amount, receipt_url, receipt_name
		FROM ` + s.Table() + `
		ORDER BY timestamp DESC
	`)
	return s.read(ctx, q, "List")
}

func (s *MovementStore) read(ctx context.Context, q *bigquery.Query, op string) ([]domain.Movement, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: query read: %w", op, classify(err))
	}

	var out []domain.Movement
	for {
		var r MovementRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: iter next: %w", op, classify(err))
		}
		out = append(out, r.Movement())
	}
	return out, nil
}

// Insert runs a DML INSERT and reads the stored row back.
func (s *MovementStore) Insert(ctx context.Context, m domain.Movement) (domain.Movement, error) {
	row := RowFromMovement(m)
	q := s.client.Query(`
		INSERT INTO ` + s.Table() + ` (id, box, timestamp, description, icon, amount, receipt_url, receipt_name)
		VALUES (@id, @box, @timestamp, @description, @icon, @amount, @receipt_url, @receipt_name)
	`)
	q.Parameters = insertParams(row)
	if err := runDML(ctx, q); err != nil {
		return domain.Movement{}, fmt.Errorf("Insert: %w", err)
	}

	sel := s.client.Query(`
		SELECT id, box, timestamp, description, icon, amount, receipt_url, receipt_name
		FROM ` + s.Table() + `
		WHERE id = @id
		LIMIT 1
	`)
	sel.Parameters = []bigquery.QueryParameter{{Name: "id", Value: m.ID}}
	rows, err := s.read(ctx, sel, "Insert")
	if err != nil {
		return domain.Movement{}, err
	}
	if len(rows) == 0 {
		return domain.Movement{}, fmt.Errorf("Insert: read back id %d: %w", m.ID, store.ErrNotFound)
	}
	return rows[0], nil
}

func insertParams(row MovementRow) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "id", Value: row.ID},
		{Name: "box", Value: row.Box},
		{Name: "timestamp", Value: row.Timestamp},
		{Name: "description", Value: row.Description},
		{Name: "icon", Value: row.Icon},
		{Name: "amount", Value: row.Amount},
		{Name: "receipt_url", Value: row.ReceiptURL},
		{Name: "receipt_name", Value: row.ReceiptName},
	}
}

func (s *MovementStore) DeleteByID(ctx context.Context, id int64) error {
	q := s.client.Query(`DELETE FROM ` + s.Table() + ` WHERE id = @id`)
	q.Parameters = []bigquery.QueryParameter{{Name: "id", Value: id}}
	if err := runDML(ctx, q); err != nil {
		return fmt.Errorf("DeleteByID: %w", err)
	}
	return nil
}

func (s *MovementStore) DeleteByBox(ctx context.Context, b domain.Box) error {
	q := s.client.Query(`DELETE FROM ` + s.Table() + ` WHERE box = @box`)
	q.Parameters = []bigquery.QueryParameter{{Name: "box", Value: string(b)}}
	if err := runDML(ctx, q); err != nil {
		return fmt.Errorf("DeleteByBox: %w", err)
	}
	return nil
}

func runDML(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("run query: %w", classify(err))
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for job: %w", classify(err))
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w: %v", store.ErrRejected, err)
	}
	return nil
}

// EnsureTable creates the dataset table when it does not exist yet.
func (s *MovementStore) EnsureTable(ctx context.Context) error {
	table := s.client.DatasetInProject(s.projectID, s.datasetID).Table(movementsTable)
	if _, err := table.Metadata(ctx); err == nil {
		return nil
	}
	if err := table.Create(ctx, &bigquery.TableMetadata{Schema: MovementsSchema}); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 409 {
			return nil
		}
		return fmt.Errorf("EnsureTable: create: %w", classify(err))
	}
	return nil
}

// classify marks API answers as rejections; transport errors pass through.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %d %s", store.ErrRejected, apiErr.Code, apiErr.Message)
	}
	return err
}
