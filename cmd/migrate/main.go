package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/box-ledger/internal/config"
	infraBQ "github.com/dvloznov/box-ledger/internal/infra/bigquery"
	"github.com/dvloznov/box-ledger/internal/infra/postgres"
	"github.com/dvloznov/box-ledger/internal/logger"
)

var (
	backend = flag.String("backend", "", "Store to migrate: postgres or bigquery (defaults to LEDGER_STORE_BACKEND)")
	dryRun  = flag.Bool("dry-run", false, "Print the statements without applying them")
)

// migrators maps a store backend to the function that prepares its schema.
type migrators map[string]func(ctx context.Context, cfg *config.Config, log zerolog.Logger) error

var defaultMigrators = migrators{
	"postgres": migratePostgres,
	"bigquery": migrateBigQuery,
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Options{})
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	target := resolveBackend(*backend, cfg)
	if *backend != "" {
		cfg.Store.Backend = target
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if *dryRun {
		printPlan(target)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := run(ctx, defaultMigrators, target, cfg, log); err != nil {
		log.Fatal().Err(err).Str("backend", target).Msg("Migration failed")
	}
	log.Info().Str("backend", target).Msg("Schema is up to date")
}

// resolveBackend prefers the flag over the configured store backend.
func resolveBackend(flagValue string, cfg *config.Config) string {
	if v := strings.ToLower(strings.TrimSpace(flagValue)); v != "" {
		return v
	}
	return cfg.Store.Backend
}

func run(ctx context.Context, m migrators, target string, cfg *config.Config, log zerolog.Logger) error {
	if target == "memory" {
		log.Info().Msg("In-memory store has no schema, nothing to migrate")
		return nil
	}
	fn, ok := m[target]
	if !ok {
		return fmt.Errorf("run: unsupported backend %q", target)
	}
	log.Info().Str("backend", target).Msg("Applying schema")
	if err := fn(ctx, cfg, log); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func printPlan(target string) {
	switch target {
	case "postgres":
		for i, stmt := range postgres.Schema {
			fmt.Printf("-- statement %d\n%s;\n\n", i+1, stmt)
		}
	case "bigquery":
		fmt.Println("Table movements with columns:")
		for _, f := range infraBQ.MovementsSchema {
			fmt.Printf("  %-14s %s required=%t\n", f.Name, f.Type, f.Required)
		}
	default:
		fmt.Fprintf(os.Stderr, "Nothing to migrate for backend %q\n", target)
	}
}

func migratePostgres(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := postgres.Connect(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return err
	}
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}(db)

	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	log.Info().Int("statements", len(postgres.Schema)).Msg("PostgreSQL schema applied")
	return nil
}

func migrateBigQuery(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	s, err := infraBQ.NewMovementStore(ctx, cfg.Store.BigQueryProject, cfg.Store.BigQueryDataset)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.EnsureTable(ctx); err != nil {
		return err
	}
	log.Info().Str("table", s.Table()).Msg("BigQuery table ready")
	return nil
}
