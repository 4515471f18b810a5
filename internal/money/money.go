// Package money renders ledger amounts in the configured display currency.
package money

import (
	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when no currency is configured.
const DefaultCurrency = gomoney.BRL

// Formatter turns decimal amounts into currency strings.
type Formatter struct {
	cur *gomoney.Currency
}

// NewFormatter returns a formatter for an ISO 4217 code. Unknown codes fall
// back to DefaultCurrency.
func NewFormatter(code string) Formatter {
	cur := gomoney.GetCurrency(code)
	if cur == nil {
		cur = gomoney.GetCurrency(DefaultCurrency)
	}
	return Formatter{cur: cur}
}

// Code returns the ISO code in use.
func (f Formatter) Code() string {
	return f.cur.Code
}

// Format renders amount with the currency grapheme and separators,
// e.g. R$1.234,50. Sub-cent digits are rounded.
func (f Formatter) Format(amount decimal.Decimal) string {
	minor := amount.Shift(int32(f.cur.Fraction)).Round(0).IntPart()
	return gomoney.New(minor, f.cur.Code).Display()
}
