// Package store defines the remote ledger contracts: the movement table and
// the attachment bucket.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/dvloznov/box-ledger/internal/domain"
)

var (
	// ErrRejected wraps errors the remote store itself reported, as opposed
	// to failures reaching it.
	ErrRejected = errors.New("remote store rejected the request")
	// ErrNotFound is returned when a row expected to exist is missing.
	ErrNotFound = errors.New("not found")
)

// MovementStore is the authoritative movement table.
type MovementStore interface {
	// List returns every movement of every box, newest first.
	List(ctx context.Context) ([]domain.Movement, error)
	// Insert stores m and returns the canonical stored row.
	Insert(ctx context.Context, m domain.Movement) (domain.Movement, error)
	DeleteByID(ctx context.Context, id int64) error
	DeleteByBox(ctx context.Context, box domain.Box) error
}

// AttachmentStore holds receipt files.
type AttachmentStore interface {
	Upload(ctx context.Context, name, contentType string, r io.Reader) error
	// PublicURL returns the public address of an uploaded object.
	PublicURL(name string) string
	// Delete removes the named objects in one batch.
	Delete(ctx context.Context, names []string) error
}

// IsRejected reports whether err came from the remote store itself.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
