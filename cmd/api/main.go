package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/box-ledger/internal/api/handlers"
	"github.com/dvloznov/box-ledger/internal/api/middleware"
	"github.com/dvloznov/box-ledger/internal/app"
	"github.com/dvloznov/box-ledger/internal/config"
	"github.com/dvloznov/box-ledger/internal/confirm"
	"github.com/dvloznov/box-ledger/internal/connectivity"
	"github.com/dvloznov/box-ledger/internal/logger"
	"github.com/dvloznov/box-ledger/internal/notify"
)

const (
	limiterIdle   = 10 * time.Minute
	sweepInterval = time.Minute
)

func main() {
	// Parse command-line flags
	port := flag.String("port", "", "HTTP server port (overrides LEDGER_HTTP_PORT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Options{})
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *port != "" {
		cfg.HTTP.Port = *port
	}

	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewWSNotifier(logger.Component(log, "ws"))
	ledgerApp, err := app.Build(ctx, cfg, log, hub)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build ledger")
	}

	// Reconcile on every connectivity and lifecycle trigger
	go ledgerApp.Engine.Start(ctx, ledgerApp.Monitor.Events())

	if cfg.Connectivity.ProbeURL != "" {
		prober := connectivity.NewProber(
			cfg.Connectivity.ProbeURL,
			cfg.Connectivity.ProbeInterval,
			&http.Client{Timeout: 5 * time.Second},
			ledgerApp.Monitor,
			logger.Component(log, "prober"),
		)
		go prober.Run(ctx)
	} else {
		log.Warn().Msg("No probe URL configured - connectivity is assumed online")
	}

	go func() {
		if !ledgerApp.Service.Startup(ctx) {
			log.Warn().Msg("Startup reconciliation did not complete")
		}
	}()

	limiter := middleware.NewLimiter(cfg.Rate.RPS, cfg.Rate.Burst)
	flows := confirm.NewRegistry()
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := limiter.Cleanup(limiterIdle); n > 0 {
					log.Debug().Int("removed", n).Msg("Pruned idle rate limiters")
				}
				if n := flows.Cleanup(); n > 0 {
					log.Debug().Int("removed", n).Msg("Expired open confirmations")
				}
			}
		}
	}()

	h := handlers.NewLedgerHandler(
		ledgerApp.Service,
		flows,
		ledgerApp.Monitor,
		ledgerApp.Formatter,
		logger.Component(log, "http"),
	)

	// Apply middleware
	handler := middleware.Chain(log, cfg.HTTP.CORSOrigins, h.Routes(limiter.Middleware, hub))

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.HTTP.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop triggers and probes, then let queued commands finish
	cancel()
	if err := hub.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close websocket hub")
	}
	if err := ledgerApp.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close ledger backends")
	}

	log.Info().Msg("Server exited")
}
