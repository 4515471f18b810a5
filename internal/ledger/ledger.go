package ledger

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Phase tracks where the current ledger content came from.
type Phase string

const (
	// PhaseEmpty is the state at process start.
	PhaseEmpty Phase = "empty"
	// PhaseMirror means the ledger was hydrated from the local mirror.
	PhaseMirror Phase = "mirror"
	// PhaseRemote means at least one reconciliation has succeeded.
	PhaseRemote Phase = "remote"
)

type box struct {
	balance decimal.Decimal
	history []domain.Movement
}

// Ledger is the in-memory two-box model all reads are served from.
// It is safe for concurrent use; writes are expected to come from a Writer.
type Ledger struct {
	mu    sync.RWMutex
	boxes map[domain.Box]*box
	phase Phase
	log   zerolog.Logger
}

// New creates an empty ledger holding exactly the two fixed boxes.
func New(log zerolog.Logger) *Ledger {
	l := &Ledger{
		boxes: make(map[domain.Box]*box, len(domain.Boxes)),
		phase: PhaseEmpty,
		log:   log,
	}
	for _, b := range domain.Boxes {
		l.boxes[b] = &box{balance: decimal.Zero}
	}
	return l
}

func (l *Ledger) get(b domain.Box) (*box, error) {
	bx, ok := l.boxes[b]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownBox, b)
	}
	return bx, nil
}

// Phase returns the current lifecycle phase.
func (l *Ledger) Phase() Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

// Balance returns the current balance of a box. Unknown boxes read as zero.
func (l *Ledger) Balance(b domain.Box) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bx, err := l.get(b)
	if err != nil {
		return decimal.Zero
	}
	return bx.balance
}

// History returns a copy of the box history, newest first.
func (l *Ledger) History(b domain.Box) []domain.Movement {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bx, err := l.get(b)
	if err != nil {
		return nil
	}
	return slices.Clone(bx.history)
}

// Find looks up a movement of a box by id.
func (l *Ledger) Find(b domain.Box, id int64) (domain.Movement, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bx, err := l.get(b)
	if err != nil {
		return domain.Movement{}, false
	}
	for _, m := range bx.history {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Movement{}, false
}

// Snapshot copies the full ledger into its persisted form.
func (l *Ledger) Snapshot(savedAt int64) domain.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state := func(b domain.Box) domain.BoxState {
		bx := l.boxes[b]
		h := slices.Clone(bx.history)
		if h == nil {
			h = []domain.Movement{}
		}
		return domain.BoxState{Balance: bx.balance, History: h}
	}
	return domain.Snapshot{
		Personal:  state(domain.BoxPersonal),
		Marketing: state(domain.BoxMarketing),
		SavedAt:   savedAt,
	}
}

// Hydrate loads a mirror snapshot. Balances are recomputed from the history
// when the cached value disagrees with it.
func (l *Ledger) Hydrate(s domain.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range domain.Boxes {
		st := s.Box(b)
		sum := st.Sum()
		if !sum.Equal(st.Balance) {
			l.log.Warn().
				Str("box", string(b)).
				Str("cached_balance", st.Balance.String()).
				Str("history_sum", sum.String()).
				Msg("Mirror balance drifted from history, using history sum")
		}
		l.boxes[b] = &box{balance: sum, history: slices.Clone(st.History)}
	}
	l.phase = PhaseMirror
}

// Replace swaps both boxes wholesale with the remote movement set.
// Movements of unknown boxes are dropped.
func (l *Ledger) Replace(movements []domain.Movement) {
	parts := make(map[domain.Box][]domain.Movement, len(domain.Boxes))
	for _, m := range movements {
		if _, err := domain.ParseBox(string(m.Box)); err != nil {
			l.log.Warn().Int64("id", m.ID).Str("box", string(m.Box)).Msg("Skipping movement of unknown box")
			continue
		}
		parts[m.Box] = append(parts[m.Box], m)
	}

	next := make(map[domain.Box]*box, len(domain.Boxes))
	for _, b := range domain.Boxes {
		h := parts[b]
		sort.SliceStable(h, func(i, j int) bool { return h[i].Timestamp > h[j].Timestamp })
		next[b] = &box{balance: domain.BoxState{History: h}.Sum(), history: h}
	}

	l.mu.Lock()
	l.boxes = next
	l.phase = PhaseRemote
	l.mu.Unlock()
}

// Apply adds a freshly stored movement to the front of its box.
func (l *Ledger) Apply(m domain.Movement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bx, err := l.get(m.Box)
	if err != nil {
		return err
	}
	bx.balance = bx.balance.Add(m.Amount)
	bx.history = append([]domain.Movement{m}, bx.history...)
	return nil
}

// Remove drops a movement by id and reverts its amount. It reports whether
// the movement was present.
func (l *Ledger) Remove(b domain.Box, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bx, err := l.get(b)
	if err != nil {
		return false, err
	}
	idx := slices.IndexFunc(bx.history, func(m domain.Movement) bool { return m.ID == id })
	if idx < 0 {
		return false, nil
	}
	bx.balance = bx.balance.Sub(bx.history[idx].Amount)
	bx.history = slices.Delete(bx.history, idx, idx+1)
	return true, nil
}

// Clear zeroes a box and empties its history.
func (l *Ledger) Clear(b domain.Box) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bx, err := l.get(b)
	if err != nil {
		return err
	}
	bx.balance = decimal.Zero
	bx.history = nil
	return nil
}
