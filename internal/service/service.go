// Package service implements the ledger mutations: deposit, withdraw,
// delete-one and clear-box. Every mutation runs as one command on the
// ledger writer, so it never interleaves with a reconciliation.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dvloznov/box-ledger/internal/connectivity"
	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/dvloznov/box-ledger/internal/ledger"
	"github.com/dvloznov/box-ledger/internal/mirror"
	"github.com/dvloznov/box-ledger/internal/notify"
	"github.com/dvloznov/box-ledger/internal/reconcile"
	"github.com/dvloznov/box-ledger/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Default icons per kind, used when the entry has none.
const (
	DefaultDepositIcon  = "💰"
	DefaultWithdrawIcon = "💸"
)

// Attachment is a receipt file submitted with an entry.
type Attachment struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Entry is the user input of a deposit or withdrawal. Magnitude is always
// positive; the sign comes from the operation.
type Entry struct {
	Box         domain.Box
	Magnitude   decimal.Decimal
	Description string
	Icon        string
	Attachment  *Attachment
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store       store.MovementStore
	Attachments store.AttachmentStore
	Ledger      *ledger.Ledger
	Mirror      *mirror.Mirror
	Writer      *ledger.Writer
	Engine      *reconcile.Engine
	Online      reconcile.OnlineChecker
	Notifier    notify.Notifier
	Clock       func() time.Time
	Log         zerolog.Logger
}

// Service is the entry point the UI layer talks to.
type Service struct {
	store       store.MovementStore
	attachments store.AttachmentStore
	ledger      *ledger.Ledger
	mirror      *mirror.Mirror
	writer      *ledger.Writer
	engine      *reconcile.Engine
	online      reconcile.OnlineChecker
	notify      notify.Notifier
	now         func() time.Time
	log         zerolog.Logger

	idMu   sync.Mutex
	lastID int64
}

// New creates a Service from its collaborators. A nil Clock means time.Now.
func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Service{
		store:       d.Store,
		attachments: d.Attachments,
		ledger:      d.Ledger,
		mirror:      d.Mirror,
		writer:      d.Writer,
		engine:      d.Engine,
		online:      d.Online,
		notify:      d.Notifier,
		now:         d.Clock,
		log:         d.Log,
	}
}

// nextID returns the creation time in milliseconds, bumped past the last
// issued id so two entries in the same millisecond stay distinct.
func (s *Service) nextID(created time.Time) int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id := created.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

func (s *Service) publish(o Outcome) Outcome {
	s.notify.Notify(o.notification())
	return o
}

func (s *Service) saveMirror(ctx context.Context) {
	s.mirror.Save(ctx, s.ledger.Snapshot(s.now().UnixMilli()))
}

// Deposit records a positive movement.
func (s *Service) Deposit(ctx context.Context, e Entry) Outcome {
	return s.record(ctx, domain.KindDeposit, e)
}

// Withdraw records a negative movement. A description is required.
func (s *Service) Withdraw(ctx context.Context, e Entry) Outcome {
	return s.record(ctx, domain.KindWithdraw, e)
}

func (s *Service) record(ctx context.Context, kind domain.Kind, e Entry) Outcome {
	created := s.now()
	m, err := s.buildMovement(kind, e, created)
	if err != nil {
		return s.publish(failure(e.Box, validationMessage(err), fmt.Errorf("%w: %w", ErrInvalidEntry, err)))
	}

	var out Outcome
	err = s.writer.Do(ctx, string(kind), func(ctx context.Context) {
		out = s.insert(ctx, kind, m, e.Attachment)
	})
	if err != nil {
		out = failure(m.Box, MsgSaveFailed, err)
	}
	return s.publish(out)
}

func (s *Service) buildMovement(kind domain.Kind, e Entry, created time.Time) (domain.Movement, error) {
	b, err := domain.ParseBox(string(e.Box))
	if err != nil {
		return domain.Movement{}, err
	}
	amount, err := kind.Signed(e.Magnitude)
	if err != nil {
		return domain.Movement{}, err
	}
	desc, err := kind.Description(e.Description, created)
	if err != nil {
		return domain.Movement{}, err
	}
	icon := e.Icon
	if icon == "" {
		icon = DefaultDepositIcon
		if kind == domain.KindWithdraw {
			icon = DefaultWithdrawIcon
		}
	}
	return domain.Movement{
		Box:         b,
		Description: desc,
		Icon:        icon,
		Amount:      amount,
	}, nil
}

func (s *Service) insert(ctx context.Context, kind domain.Kind, m domain.Movement, att *Attachment) Outcome {
	m.ID = s.nextID(s.now())
	m.Timestamp = m.ID
	log := s.log.With().Str("op", string(kind)).Str("box", string(m.Box)).Int64("id", m.ID).Logger()

	var object string
	if att != nil && att.Body != nil {
		object = domain.AttachmentName(m.ID, att.Name)
		if err := s.attachments.Upload(ctx, object, att.ContentType, att.Body); err != nil {
			log.Error().Err(err).Str("object", object).Msg("Receipt upload failed")
			return failure(m.Box, MsgUploadFailed, fmt.Errorf("%w: %w", ErrRemote, err))
		}
		url := s.attachments.PublicURL(object)
		name := att.Name
		m.ReceiptURL = &url
		m.ReceiptName = &name
	}

	stored, err := s.store.Insert(ctx, m)
	if err != nil {
		ev := log.Error().Err(err)
		if object != "" {
			// The uploaded receipt stays in the bucket with no record.
			ev = ev.Str("orphan_object", object)
		}
		ev.Msg("Movement insert failed")
		return failure(m.Box, MsgSaveFailed, fmt.Errorf("%w: %w", ErrRemote, err))
	}

	if err := s.ledger.Apply(stored); err != nil {
		log.Error().Err(err).Msg("Stored movement does not fit the ledger")
		return failure(m.Box, MsgSaveFailed, err)
	}
	s.saveMirror(ctx)
	log.Info().Str("amount", stored.Amount.String()).Msg("Movement recorded")

	msg := MsgDeposited
	if kind == domain.KindWithdraw {
		msg = MsgWithdrawn
	}
	return success(m.Box, msg, &stored)
}

// Delete removes one movement. It needs connectivity and a local record;
// a failed receipt removal does not stop the record deletion.
func (s *Service) Delete(ctx context.Context, b domain.Box, id int64) Outcome {
	b, err := domain.ParseBox(string(b))
	if err != nil {
		return s.publish(failure(b, validationMessage(err), fmt.Errorf("%w: %w", ErrInvalidEntry, err)))
	}

	var out Outcome
	err = s.writer.Do(ctx, "delete", func(ctx context.Context) {
		out = s.deleteOne(ctx, b, id)
	})
	if err != nil {
		out = failure(b, MsgDeleteFailed, err)
	}
	return s.publish(out)
}

func (s *Service) deleteOne(ctx context.Context, b domain.Box, id int64) Outcome {
	if !s.online.Online() {
		return failure(b, MsgOfflineDelete, ErrOffline)
	}
	m, ok := s.ledger.Find(b, id)
	if !ok {
		return failure(b, MsgNotFound, ErrMovementNotFound)
	}
	log := s.log.With().Str("op", "delete").Str("box", string(b)).Int64("id", id).Logger()

	if object := m.AttachmentName(); object != "" {
		if err := s.attachments.Delete(ctx, []string{object}); err != nil {
			log.Warn().Err(err).Str("object", object).Msg("Receipt removal failed, deleting record anyway")
		}
	}

	if err := s.store.DeleteByID(ctx, id); err != nil {
		log.Error().Err(err).Msg("Movement delete failed")
		return failure(b, MsgDeleteFailed, fmt.Errorf("%w: %w", ErrRemote, err))
	}

	if _, err := s.ledger.Remove(b, id); err != nil {
		log.Error().Err(err).Msg("Local remove failed")
	}
	s.saveMirror(ctx)
	log.Info().Msg("Movement deleted")
	return success(b, MsgDeleted, &m)
}

// Clear deletes every movement of a box. Local state only changes after the
// remote bulk delete succeeded.
func (s *Service) Clear(ctx context.Context, b domain.Box) Outcome {
	b, err := domain.ParseBox(string(b))
	if err != nil {
		return s.publish(failure(b, validationMessage(err), fmt.Errorf("%w: %w", ErrInvalidEntry, err)))
	}

	var out Outcome
	err = s.writer.Do(ctx, "clear", func(ctx context.Context) {
		out = s.clearBox(ctx, b)
	})
	if err != nil {
		out = failure(b, MsgClearFailed, err)
	}
	return s.publish(out)
}

func (s *Service) clearBox(ctx context.Context, b domain.Box) Outcome {
	if !s.online.Online() {
		return failure(b, MsgOfflineClear, ErrOffline)
	}
	history := s.ledger.History(b)
	if len(history) == 0 {
		return Outcome{Status: StatusInfo, Message: msgNothingToClear + b.Label(), Box: b}
	}
	log := s.log.With().Str("op", "clear").Str("box", string(b)).Logger()

	names := AttachmentNames(history)
	var batchErr error
	if len(names) > 0 {
		if batchErr = s.attachments.Delete(ctx, names); batchErr != nil {
			log.Warn().Err(batchErr).Int("objects", len(names)).Msg("Receipt batch removal failed")
		}
	}

	if err := s.store.DeleteByBox(ctx, b); err != nil {
		log.Error().Err(err).Msg("Bulk delete failed")
		return failure(b, MsgClearFailed, fmt.Errorf("%w: %w", ErrRemote, err))
	}

	if err := s.ledger.Clear(b); err != nil {
		log.Error().Err(err).Msg("Local clear failed")
	}
	s.saveMirror(ctx)
	log.Info().Int("movements", len(history)).Msg("Box cleared")

	if batchErr != nil {
		return Outcome{Status: StatusPartial, Message: MsgClearedPartial, Box: b, Err: batchErr}
	}
	return success(b, b.Label()+msgClearedTemplate, nil)
}

// AttachmentNames collects the distinct object names of movements that
// carry both a receipt URL and name, in history order.
func AttachmentNames(history []domain.Movement) []string {
	seen := make(map[string]bool, len(history))
	var names []string
	for _, m := range history {
		n := m.AttachmentName()
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return names
}

// Balance returns the current balance of a box.
func (s *Service) Balance(b domain.Box) decimal.Decimal { return s.ledger.Balance(b) }

// History returns the history of a box, newest first.
func (s *Service) History(b domain.Box) []domain.Movement { return s.ledger.History(b) }

// Movement looks up one movement.
func (s *Service) Movement(b domain.Box, id int64) (domain.Movement, bool) {
	return s.ledger.Find(b, id)
}

// Phase reports where the ledger content came from.
func (s *Service) Phase() ledger.Phase { return s.ledger.Phase() }

// Online reports the connectivity belief.
func (s *Service) Online() bool { return s.online.Online() }

// Syncing reports whether a reconciliation is in flight.
func (s *Service) Syncing() bool { return s.engine.Running() }

// ReconcileNow runs a user-requested, non-silent reconciliation.
func (s *Service) ReconcileNow(ctx context.Context) bool {
	return s.engine.Reconcile(ctx, reconcile.Options{Silent: false})
}

// Startup hydrates the ledger from the mirror and then reconciles.
func (s *Service) Startup(ctx context.Context) bool {
	err := s.writer.Do(ctx, "hydrate", func(ctx context.Context) {
		snap, ok := s.mirror.Load(ctx)
		if !ok {
			s.log.Info().Msg("No usable mirror snapshot, starting empty")
			return
		}
		s.ledger.Hydrate(snap)
		s.log.Info().Int64("saved_at", snap.SavedAt).Msg("Ledger hydrated from mirror")
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Msg("Mirror hydration skipped")
	}
	return s.engine.HandleTrigger(ctx, connectivity.TriggerStartup)
}
