// Package reconcile replaces the local ledger with the authoritative remote
// movement set.
package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dvloznov/box-ledger/internal/connectivity"
	"github.com/dvloznov/box-ledger/internal/ledger"
	"github.com/dvloznov/box-ledger/internal/mirror"
	"github.com/dvloznov/box-ledger/internal/notify"
	"github.com/dvloznov/box-ledger/internal/store"
	"github.com/rs/zerolog"
)

// Failure notifications of a non-silent reconciliation.
const (
	// MsgLoadFailed is shown when the store rejected the read.
	MsgLoadFailed = "Could not load data from the server"
	// MsgConnectFailed is shown when the store could not be reached.
	MsgConnectFailed = "Could not connect to the server"
)

// OnlineChecker reports the current connectivity belief.
type OnlineChecker interface {
	Online() bool
}

// Options controls a single reconciliation.
type Options struct {
	// Silent suppresses the failure notification.
	Silent bool
}

// Engine runs reconciliations. At most one is in flight at any time;
// requests arriving meanwhile are dropped.
type Engine struct {
	store   store.MovementStore
	ledger  *ledger.Ledger
	mirror  *mirror.Mirror
	writer  *ledger.Writer
	online  OnlineChecker
	notify  notify.Notifier
	now     func() time.Time
	log     zerolog.Logger
	running atomic.Bool
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Store    store.MovementStore
	Ledger   *ledger.Ledger
	Mirror   *mirror.Mirror
	Writer   *ledger.Writer
	Online   OnlineChecker
	Notifier notify.Notifier
	Clock    func() time.Time
	Log      zerolog.Logger
}

// NewEngine creates an idle engine. A nil Clock means time.Now.
func NewEngine(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Engine{
		store:  d.Store,
		ledger: d.Ledger,
		mirror: d.Mirror,
		writer: d.Writer,
		online: d.Online,
		notify: d.Notifier,
		now:    d.Clock,
		log:    d.Log,
	}
}

// Running reports whether a reconciliation is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Reconcile fetches every remote movement and swaps the ledger content for
// it. It returns false without side effects when offline or when another
// reconciliation holds the permit. On failure the ledger and mirror are left
// untouched.
func (e *Engine) Reconcile(ctx context.Context, opts Options) bool {
	if !e.online.Online() {
		e.log.Debug().Msg("Offline, skipping reconciliation")
		return false
	}
	if !e.running.CompareAndSwap(false, true) {
		e.log.Debug().Msg("Reconciliation already running, dropping request")
		return false
	}
	defer e.running.Store(false)

	var ok bool
	err := e.writer.Do(ctx, "reconcile", func(ctx context.Context) {
		ok = e.run(ctx, opts)
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("Reconciliation not executed")
		return false
	}
	return ok
}

func (e *Engine) run(ctx context.Context, opts Options) bool {
	start := e.now()
	movements, err := e.store.List(ctx)
	if err != nil {
		msg := MsgConnectFailed
		if store.IsRejected(err) {
			msg = MsgLoadFailed
		}
		e.log.Error().Err(err).Bool("silent", opts.Silent).Msg("Reconciliation failed")
		if !opts.Silent {
			e.notify.Notify(notify.Notification{Level: notify.LevelError, Message: msg})
		}
		return false
	}

	e.ledger.Replace(movements)
	e.mirror.Save(ctx, e.ledger.Snapshot(e.now().UnixMilli()))

	e.log.Info().
		Int("movements", len(movements)).
		Dur("took", e.now().Sub(start)).
		Msg("Reconciliation completed")
	return true
}

// HandleTrigger maps a connectivity trigger to a reconciliation.
func (e *Engine) HandleTrigger(ctx context.Context, t connectivity.Trigger) bool {
	switch t {
	case connectivity.TriggerStartup:
		return e.Reconcile(ctx, Options{Silent: false})
	case connectivity.TriggerOnline, connectivity.TriggerFocus, connectivity.TriggerVisible:
		return e.Reconcile(ctx, Options{Silent: true})
	}
	return false
}

// Start consumes triggers until ctx is done. Each trigger is handled on its
// own goroutine so the guard, not the channel, decides what gets dropped.
func (e *Engine) Start(ctx context.Context, events <-chan connectivity.Trigger) {
	e.log.Info().Msg("Reconciliation engine started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Reconciliation engine stopped")
			return
		case t := <-events:
			e.log.Debug().Str("trigger", string(t)).Msg("Trigger received")
			go e.HandleTrigger(ctx, t)
		}
	}
}
