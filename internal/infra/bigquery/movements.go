package bigquery

import (
	"math/big"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// MovementRow mirrors one row of the movements table.
type MovementRow struct {
	ID          int64               `bigquery:"id"`          // REQUIRED
	Box         string              `bigquery:"box"`         // REQUIRED
	Timestamp   int64               `bigquery:"timestamp"`   // REQUIRED unix millis
	Description string              `bigquery:"description"` // REQUIRED
	Icon        string              `bigquery:"icon"`        // REQUIRED
	Amount      *big.Rat            `bigquery:"amount"`      // REQUIRED NUMERIC
	ReceiptURL  bigquery.NullString `bigquery:"receipt_url"`
	ReceiptName bigquery.NullString `bigquery:"receipt_name"`
}

// MovementsSchema is the table definition used by the migrator.
var MovementsSchema = bigquery.Schema{
	{Name: "id", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "box", Type: bigquery.StringFieldType, Required: true},
	{Name: "timestamp", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "description", Type: bigquery.StringFieldType, Required: true},
	{Name: "icon", Type: bigquery.StringFieldType, Required: true},
	{Name: "amount", Type: bigquery.NumericFieldType, Required: true},
	{Name: "receipt_url", Type: bigquery.StringFieldType},
	{Name: "receipt_name", Type: bigquery.StringFieldType},
}

func nullString(s *string) bigquery.NullString {
	if s == nil {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: *s, Valid: true}
}

func fromNull(n bigquery.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.StringVal
	return &s
}

// ratFromDecimal converts an amount to the NUMERIC representation.
func ratFromDecimal(d decimal.Decimal) *big.Rat {
	return d.Rat()
}

func decimalFromRat(r *big.Rat) decimal.Decimal {
	if r == nil {
		return decimal.Zero
	}
	// NUMERIC carries at most 9 fractional digits.
	d, err := decimal.NewFromString(r.FloatString(9))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RowFromMovement maps a domain movement to a table row.
func RowFromMovement(m domain.Movement) MovementRow {
	return MovementRow{
		ID:          m.ID,
		Box:         string(m.Box),
		Timestamp:   m.Timestamp,
		Description: m.Description,
		Icon:        m.Icon,
		Amount:      ratFromDecimal(m.Amount),
		ReceiptURL:  nullString(m.ReceiptURL),
		ReceiptName: nullString(m.ReceiptName),
	}
}

// Movement maps the row back to the domain type.
func (r MovementRow) Movement() domain.Movement {
	return domain.Movement{
		ID:          r.ID,
		Box:         domain.Box(r.Box),
		Timestamp:   r.Timestamp,
		Description: r.Description,
		Icon:        r.Icon,
		Amount:      decimalFromRat(r.Amount),
		ReceiptURL:  fromNull(r.ReceiptURL),
		ReceiptName: fromNull(r.ReceiptName),
	}
}
