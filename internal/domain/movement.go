package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Box identifies one of the two independent sub-ledgers.
type Box string

const (
	// BoxPersonal holds personal expenses.
	BoxPersonal Box = "personal"
	// BoxMarketing holds marketing expenses.
	BoxMarketing Box = "marketing"
)

// Boxes lists every box in display order. No other boxes exist.
var Boxes = []Box{BoxPersonal, BoxMarketing}

var (
	// ErrUnknownBox is returned when a box key is not one of Boxes.
	ErrUnknownBox = errors.New("unknown box")
	// ErrNonPositiveAmount is returned when a magnitude is zero or negative.
	ErrNonPositiveAmount = errors.New("amount must be greater than zero")
	// ErrDescriptionRequired is returned when a withdrawal has no description.
	ErrDescriptionRequired = errors.New("description is required for withdrawals")
	// ErrUnknownKind is returned for an operation kind other than deposit or withdraw.
	ErrUnknownKind = errors.New("unknown movement kind")
)

// ParseBox validates a box key.
func ParseBox(s string) (Box, error) {
	switch Box(strings.ToLower(strings.TrimSpace(s))) {
	case BoxPersonal:
		return BoxPersonal, nil
	case BoxMarketing:
		return BoxMarketing, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBox, s)
}

// Label returns the human-readable box name used in messages.
func (b Box) Label() string {
	switch b {
	case BoxPersonal:
		return "Personal Expenses"
	case BoxMarketing:
		return "Marketing"
	}
	return ""
}

// Kind is the operation type chosen at entry time.
type Kind string

const (
	// KindDeposit adds a positive amount.
	KindDeposit Kind = "deposit"
	// KindWithdraw subtracts an amount and needs a description.
	KindWithdraw Kind = "withdraw"
)

// Signed derives the stored amount from a user-entered positive magnitude.
func (k Kind) Signed(magnitude decimal.Decimal) (decimal.Decimal, error) {
	if !magnitude.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	switch k {
	case KindDeposit:
		return magnitude, nil
	case KindWithdraw:
		return magnitude.Neg(), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownKind, k)
}

// Description applies the per-kind description rule. Withdrawals must carry a
// description; deposits without one get the creation date.
func (k Kind) Description(desc string, created time.Time) (string, error) {
	desc = strings.TrimSpace(desc)
	if desc != "" {
		return desc, nil
	}
	if k == KindWithdraw {
		return "", ErrDescriptionRequired
	}
	return created.Format("02/01/2006"), nil
}

// Movement is a single signed monetary entry as stored remotely.
type Movement struct {
	ID          int64           `json:"id"`
	Box         Box             `json:"box"`
	Timestamp   int64           `json:"timestamp"` // unix milliseconds
	Description string          `json:"description"`
	Icon        string          `json:"icon"`
	Amount      decimal.Decimal `json:"amount"`
	ReceiptURL  *string         `json:"receipt_url"`
	ReceiptName *string         `json:"receipt_name"`
}

// HasReceipt reports whether the movement references an uploaded receipt.
func (m Movement) HasReceipt() bool {
	return m.ReceiptURL != nil && *m.ReceiptURL != ""
}

// AttachmentName returns the object name of the receipt, or "" when the
// movement has no receipt URL and name.
func (m Movement) AttachmentName() string {
	if !m.HasReceipt() || m.ReceiptName == nil || *m.ReceiptName == "" {
		return ""
	}
	return AttachmentName(m.ID, *m.ReceiptName)
}

// ReceiptDisplay is a hint for the renderer on how to show a receipt.
type ReceiptDisplay string

const (
	DisplayNone     ReceiptDisplay = "none"
	DisplayImage    ReceiptDisplay = "image"
	DisplayPDF      ReceiptDisplay = "pdf"
	DisplayDownload ReceiptDisplay = "download"
)

// ReceiptDisplay picks the display mode from the receipt name extension.
func (m Movement) ReceiptDisplay() ReceiptDisplay {
	if !m.HasReceipt() {
		return DisplayNone
	}
	name := ""
	if m.ReceiptName != nil {
		name = *m.ReceiptName
	}
	switch strings.ToLower(strings.TrimPrefix(path.Ext(name), ".")) {
	case "jpg", "jpeg", "png", "gif", "webp":
		return DisplayImage
	case "pdf":
		return DisplayPDF
	}
	return DisplayDownload
}

// AttachmentName derives the object storage name from the record id and the
// original file name.
func AttachmentName(id int64, original string) string {
	return fmt.Sprintf("%d_%s", id, original)
}

// Timestamp converts unix milliseconds to a time.
func Timestamp(ms int64) time.Time {
	return time.UnixMilli(ms)
}
