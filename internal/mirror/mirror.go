// Package mirror persists a snapshot of the ledger locally so the last known
// state can be shown at startup before the remote store answers.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/rs/zerolog"
)

// ErrEmpty is returned by a Backend when nothing has been stored yet.
var ErrEmpty = errors.New("mirror is empty")

// Backend stores one opaque payload. Write must replace the previous payload
// atomically as seen by Read.
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Mirror encodes ledger snapshots into a Backend.
type Mirror struct {
	backend Backend
	log     zerolog.Logger
}

// New creates a mirror on top of backend.
func New(backend Backend, log zerolog.Logger) *Mirror {
	return &Mirror{backend: backend, log: log}
}

// Save persists the snapshot. Failures are logged and swallowed: a broken
// mirror only costs the next cold start its cached view.
func (m *Mirror) Save(ctx context.Context, s domain.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to encode mirror snapshot")
		return
	}
	if err := m.backend.Write(ctx, data); err != nil {
		m.log.Warn().Err(err).Msg("Failed to write mirror snapshot")
		return
	}
	m.log.Debug().Int64("saved_at", s.SavedAt).Int("bytes", len(data)).Msg("Mirror snapshot saved")
}

// Load returns the stored snapshot. The second value is false when nothing
// usable is stored.
func (m *Mirror) Load(ctx context.Context) (domain.Snapshot, bool) {
	data, err := m.backend.Read(ctx)
	if err != nil {
		if !errors.Is(err, ErrEmpty) {
			m.log.Warn().Err(err).Msg("Failed to read mirror snapshot")
		}
		return domain.Snapshot{}, false
	}

	s, err := Decode(data)
	if err != nil {
		m.log.Warn().Err(err).Msg("Ignoring unusable mirror snapshot")
		return domain.Snapshot{}, false
	}
	return s, true
}

// Decode parses a stored payload. Both box entries must be present objects.
func Decode(data []byte) (domain.Snapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Snapshot{}, fmt.Errorf("Decode: parse payload: %w", err)
	}
	for _, b := range domain.Boxes {
		v, ok := raw[string(b)]
		if !ok {
			return domain.Snapshot{}, fmt.Errorf("Decode: missing box %q", b)
		}
		if t := bytes.TrimSpace(v); len(t) == 0 || t[0] != '{' {
			return domain.Snapshot{}, fmt.Errorf("Decode: box %q is not an object", b)
		}
	}

	var s domain.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.Snapshot{}, fmt.Errorf("Decode: parse snapshot: %w", err)
	}
	return s, nil
}
