package confirm

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long an untouched flow stays open.
const DefaultTTL = 10 * time.Minute

// ErrUnknownToken is returned for tokens that were never issued, were
// closed or expired.
var ErrUnknownToken = errors.New("unknown confirmation token")

type entry struct {
	flow    Flow
	touched time.Time
}

// Registry keeps open flows keyed by opaque tokens handed to clients. A flow
// not touched within the TTL expires.
type Registry struct {
	mu    sync.Mutex
	flows map[string]entry
	ttl   time.Duration
	now   func() time.Time
}

// NewRegistry creates a registry with DefaultTTL and the wall clock.
func NewRegistry() *Registry {
	return NewRegistryWithClock(DefaultTTL, time.Now)
}

// NewRegistryWithClock creates a registry with a custom TTL and clock.
func NewRegistryWithClock(ttl time.Duration, now func() time.Time) *Registry {
	return &Registry{flows: make(map[string]entry), ttl: ttl, now: now}
}

// Open stores f under a new token.
func (r *Registry) Open(f Flow) string {
	token := uuid.NewString()
	r.mu.Lock()
	r.flows[token] = entry{flow: f, touched: r.now()}
	r.mu.Unlock()
	return token
}

// lookup returns the live entry for token, dropping it when expired.
// r.mu must be held.
func (r *Registry) lookup(token string) (entry, bool) {
	e, ok := r.flows[token]
	if !ok {
		return entry{}, false
	}
	if r.now().Sub(e.touched) > r.ttl {
		delete(r.flows, token)
		return entry{}, false
	}
	return e, true
}

// Get returns the flow for token.
func (r *Registry) Get(token string) (Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.lookup(token)
	if !ok {
		return Flow{}, ErrUnknownToken
	}
	return e.flow, nil
}

// Update applies fn to the flow under token and stores the result unless fn
// fails. A resulting Idle flow is removed.
func (r *Registry) Update(token string, fn func(Flow) (Flow, error)) (Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.lookup(token)
	if !ok {
		return Flow{}, ErrUnknownToken
	}
	next, err := fn(e.flow)
	if err != nil {
		return e.flow, err
	}
	if next.State() == StateIdle {
		delete(r.flows, token)
	} else {
		r.flows[token] = entry{flow: next, touched: r.now()}
	}
	return next, nil
}

// Remove drops a flow.
func (r *Registry) Remove(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lookup(token)
	delete(r.flows, token)
	return ok
}

// Cleanup drops expired flows and returns how many were removed.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for token, e := range r.flows {
		if now.Sub(e.touched) > r.ttl {
			delete(r.flows, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored flows, expired ones included until the
// next Cleanup.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}
