// Package app assembles the ledger from configuration. Both binaries build
// through it so the api server and the cli see the same backends.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dvloznov/box-ledger/internal/config"
	"github.com/dvloznov/box-ledger/internal/connectivity"
	infraBQ "github.com/dvloznov/box-ledger/internal/infra/bigquery"
	"github.com/dvloznov/box-ledger/internal/infra/gcs"
	"github.com/dvloznov/box-ledger/internal/infra/postgres"
	"github.com/dvloznov/box-ledger/internal/ledger"
	"github.com/dvloznov/box-ledger/internal/logger"
	"github.com/dvloznov/box-ledger/internal/mirror"
	"github.com/dvloznov/box-ledger/internal/money"
	"github.com/dvloznov/box-ledger/internal/notify"
	"github.com/dvloznov/box-ledger/internal/reconcile"
	"github.com/dvloznov/box-ledger/internal/service"
	"github.com/dvloznov/box-ledger/internal/store"
	"github.com/dvloznov/box-ledger/internal/store/inmemory"
)

const (
	writerBuffer  = 64
	triggerBuffer = 16
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config    *config.Config
	Monitor   *connectivity.Monitor
	Writer    *ledger.Writer
	Ledger    *ledger.Ledger
	Engine    *reconcile.Engine
	Service   *service.Service
	Formatter money.Formatter

	closers []func() error
	log     zerolog.Logger
}

// Build creates every backend named by cfg and connects them. extra is
// fanned out alongside the log notifier, e.g. the websocket hub.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger, extra ...notify.Notifier) (*App, error) {
	a := &App{
		Config:    cfg,
		Formatter: money.NewFormatter(cfg.Currency),
		log:       log,
	}

	movements, err := a.movementStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	attachments, err := a.attachmentStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	backend := a.mirrorBackend()

	notifiers := notify.Multi{notify.NewLogNotifier(logger.Component(log, "notify"))}
	notifiers = append(notifiers, extra...)

	a.Monitor = connectivity.NewMonitor(true, triggerBuffer, logger.Component(log, "connectivity"))
	a.Writer = ledger.NewWriter(writerBuffer, logger.Component(log, "writer"))
	a.Ledger = ledger.New(logger.Component(log, "ledger"))
	mir := mirror.New(backend, logger.Component(log, "mirror"))

	a.Engine = reconcile.NewEngine(reconcile.Deps{
		Store:    movements,
		Ledger:   a.Ledger,
		Mirror:   mir,
		Writer:   a.Writer,
		Online:   a.Monitor,
		Notifier: notifiers,
		Log:      logger.Component(log, "reconcile"),
	})
	a.Service = service.New(service.Deps{
		Store:       movements,
		Attachments: attachments,
		Ledger:      a.Ledger,
		Mirror:      mir,
		Writer:      a.Writer,
		Engine:      a.Engine,
		Online:      a.Monitor,
		Notifier:    notifiers,
		Log:         logger.Component(log, "service"),
	})
	return a, nil
}

func (a *App) movementStore(ctx context.Context) (store.MovementStore, error) {
	cfg := a.Config.Store
	switch cfg.Backend {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("Build: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.log.Info().Msg("Using PostgreSQL movement store")
		return postgres.NewMovementStore(db), nil
	case "bigquery":
		s, err := infraBQ.NewMovementStore(ctx, cfg.BigQueryProject, cfg.BigQueryDataset)
		if err != nil {
			return nil, fmt.Errorf("Build: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.log.Info().Str("table", s.Table()).Msg("Using BigQuery movement store")
		return s, nil
	default:
		a.log.Warn().Msg("Using in-memory movement store, data is lost on exit")
		return inmemory.NewStore(), nil
	}
}

func (a *App) attachmentStore(ctx context.Context) (store.AttachmentStore, error) {
	cfg := a.Config.Attachments
	if cfg.Backend != "gcs" {
		return inmemory.NewAttachments(cfg.Endpoint), nil
	}
	s, err := gcs.NewAttachmentStore(ctx, cfg.Bucket, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}
	a.closers = append(a.closers, s.Close)
	a.log.Info().Str("bucket", cfg.Bucket).Msg("Using GCS attachment store")
	return s, nil
}

func (a *App) mirrorBackend() mirror.Backend {
	cfg := a.Config.Mirror
	if cfg.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		a.log.Info().Str("addr", cfg.RedisAddr).Str("key", cfg.Key).Msg("Using Redis mirror")
		return mirror.NewRedisBackend(client, cfg.Key)
	}
	a.log.Info().Str("path", cfg.Path).Msg("Using file mirror")
	return mirror.NewFileBackend(cfg.Path)
}

// Close stops the writer and releases every backend client.
func (a *App) Close() error {
	var errs []error
	if a.Writer != nil {
		if err := a.Writer.Stop(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("stop writer: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
