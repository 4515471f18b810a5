// Package inmemory provides a process-local MovementStore and AttachmentStore
// used by tests and the memory backend.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"slices"
	"sort"
	"sync"

	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/dvloznov/box-ledger/internal/store"
)

// Calls counts invocations per operation.
type Calls struct {
	List, Insert, DeleteByID, DeleteByBox int
	Upload, Delete                        int
}

// Store is an in-memory MovementStore. The *Hook fields, when set, run
// before the operation and short-circuit it with their error.
type Store struct {
	mu        sync.Mutex
	movements []domain.Movement
	calls     Calls

	ListHook        func(ctx context.Context) error
	InsertHook      func(ctx context.Context, m domain.Movement) error
	DeleteByIDHook  func(ctx context.Context, id int64) error
	DeleteByBoxHook func(ctx context.Context, b domain.Box) error
}

var _ store.MovementStore = (*Store)(nil)

// NewStore creates a store seeded with movements.
func NewStore(seed ...domain.Movement) *Store {
	return &Store{movements: slices.Clone(seed)}
}

// Calls returns a copy of the call counters.
func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Rows returns the stored movements in insertion order.
func (s *Store) Rows() []domain.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.movements)
}

// Seed replaces the stored movements, bypassing hooks and counters.
func (s *Store) Seed(movements ...domain.Movement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = slices.Clone(movements)
}

func (s *Store) List(ctx context.Context) ([]domain.Movement, error) {
	s.mu.Lock()
	s.calls.List++
	hook := s.ListHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.movements)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (s *Store) Insert(ctx context.Context, m domain.Movement) (domain.Movement, error) {
	s.mu.Lock()
	s.calls.Insert++
	hook := s.InsertHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, m); err != nil {
			return domain.Movement{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.movements {
		if existing.ID == m.ID {
			return domain.Movement{}, fmt.Errorf("Insert: duplicate id %d: %w", m.ID, store.ErrRejected)
		}
	}
	// Mimic a NUMERIC(14,2) column.
	m.Amount = m.Amount.Round(2)
	s.movements = append(s.movements, m)
	return m, nil
}

func (s *Store) DeleteByID(ctx context.Context, id int64) error {
	s.mu.Lock()
	s.calls.DeleteByID++
	hook := s.DeleteByIDHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = slices.DeleteFunc(s.movements, func(m domain.Movement) bool { return m.ID == id })
	return nil
}

func (s *Store) DeleteByBox(ctx context.Context, b domain.Box) error {
	s.mu.Lock()
	s.calls.DeleteByBox++
	hook := s.DeleteByBoxHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, b); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = slices.DeleteFunc(s.movements, func(m domain.Movement) bool { return m.Box == b })
	return nil
}

// Attachments is an in-memory AttachmentStore.
type Attachments struct {
	mu      sync.Mutex
	baseURL string
	objects map[string][]byte
	types   map[string]string
	calls   Calls

	UploadHook func(ctx context.Context, name string) error
	DeleteHook func(ctx context.Context, names []string) error
}

var _ store.AttachmentStore = (*Attachments)(nil)

// NewAttachments creates an empty bucket whose public URLs start with baseURL.
func NewAttachments(baseURL string) *Attachments {
	return &Attachments{
		baseURL: baseURL,
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (a *Attachments) Upload(ctx context.Context, name, contentType string, r io.Reader) error {
	a.mu.Lock()
	a.calls.Upload++
	hook := a.UploadHook
	a.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, name); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("Upload: read body: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[name] = buf.Bytes()
	a.types[name] = contentType
	return nil
}

func (a *Attachments) PublicURL(name string) string {
	return a.baseURL + "/" + url.PathEscape(name)
}

func (a *Attachments) Delete(ctx context.Context, names []string) error {
	a.mu.Lock()
	a.calls.Delete++
	hook := a.DeleteHook
	a.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, names); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range names {
		delete(a.objects, n)
		delete(a.types, n)
	}
	return nil
}

// Object returns a stored object and its content type.
func (a *Attachments) Object(name string) ([]byte, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[name]
	return data, a.types[name], ok
}

// Len returns the number of stored objects.
func (a *Attachments) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.objects)
}

// Calls returns a copy of the call counters.
func (a *Attachments) Calls() Calls {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
