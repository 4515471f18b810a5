package service

import (
	"errors"

	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/dvloznov/box-ledger/internal/notify"
)

var (
	// ErrOffline is returned when an operation needs connectivity.
	ErrOffline = errors.New("offline")
	// ErrMovementNotFound is returned when the local ledger has no such id.
	ErrMovementNotFound = errors.New("movement not found")
	// ErrInvalidEntry wraps validation failures of user input.
	ErrInvalidEntry = errors.New("invalid entry")
	// ErrRemote wraps failures talking to the remote store.
	ErrRemote = errors.New("remote operation failed")
)

// Status classifies an operation result for the user.
type Status string

const (
	// StatusSuccess means the operation did everything it was asked to.
	StatusSuccess Status = "success"
	// StatusPartial means the records changed but a receipt step failed.
	StatusPartial Status = "partial"
	// StatusInfo means nothing had to be done.
	StatusInfo Status = "info"
	// StatusFailure means no local state changed.
	StatusFailure Status = "failure"
)

// User-facing outcome messages.
const (
	MsgDeposited      = "Amount added"
	MsgWithdrawn      = "Amount withdrawn"
	MsgUploadFailed   = "Could not upload the receipt"
	MsgSaveFailed     = "Could not save the movement"
	MsgOfflineDelete  = "No connection: cannot delete right now"
	MsgOfflineClear   = "No connection: cannot clear the history right now"
	MsgNotFound       = "Movement not found"
	MsgDeleted        = "Movement deleted"
	MsgDeleteFailed   = "Could not delete the movement"
	MsgClearFailed    = "Could not clear the history"
	MsgClearedPartial = "History cleared, but some receipts could not be removed"

	msgNothingToClear  = "There are no records in "
	msgClearedTemplate = " history cleared"
)

// Outcome is what every mutation reports back.
type Outcome struct {
	Status   Status           `json:"status"`
	Message  string           `json:"message"`
	Box      domain.Box       `json:"box"`
	Movement *domain.Movement `json:"movement,omitempty"`
	Err      error            `json:"-"`
}

// OK reports whether the operation changed state as requested.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess || o.Status == StatusPartial
}

func (o Outcome) notification() notify.Notification {
	level := notify.LevelInfo
	switch o.Status {
	case StatusSuccess:
		level = notify.LevelSuccess
	case StatusFailure:
		level = notify.LevelError
	}
	return notify.Notification{Level: level, Message: o.Message, Box: o.Box}
}

func success(b domain.Box, msg string, m *domain.Movement) Outcome {
	return Outcome{Status: StatusSuccess, Message: msg, Box: b, Movement: m}
}

func failure(b domain.Box, msg string, err error) Outcome {
	return Outcome{Status: StatusFailure, Message: msg, Box: b, Err: err}
}

// validationMessage turns a domain validation error into a user message.
func validationMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownBox):
		return "Unknown box"
	case errors.Is(err, domain.ErrNonPositiveAmount):
		return "Amount must be greater than zero"
	case errors.Is(err, domain.ErrDescriptionRequired):
		return "Description is required for withdrawals"
	}
	return "Invalid entry"
}
