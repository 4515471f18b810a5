package domain

import "github.com/shopspring/decimal"

// BoxState is the derived state of one box.
type BoxState struct {
	Balance decimal.Decimal `json:"balance"`
	History []Movement      `json:"history"`
}

// Sum returns the arithmetic sum of the history amounts.
func (s BoxState) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, m := range s.History {
		total = total.Add(m.Amount)
	}
	return total
}

// Snapshot is the persisted form of the whole ledger.
type Snapshot struct {
	Personal  BoxState `json:"personal"`
	Marketing BoxState `json:"marketing"`
	SavedAt   int64    `json:"saved_at"`
}

// Box returns the state of the given box.
func (s Snapshot) Box(b Box) BoxState {
	if b == BoxMarketing {
		return s.Marketing
	}
	return s.Personal
}
