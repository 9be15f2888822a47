package main

import (
	"IsoLedger/internal/config"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/persistence"
	"IsoLedger/internal/projection"
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status|rebuild-history>")
		fmt.Println("  up              - apply all pending migrations")
		fmt.Println("  down            - roll back the last migration")
		fmt.Println("  status          - list migrations and whether they ran")
		fmt.Println("  rebuild-history - refold the request history from the event log")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  ISO_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  ISO_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	cfg := config.FromEnv()
	logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.LogLevel))

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		for _, st := range status {
			state := "pending"
			if st.Applied {
				state = "applied " + st.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-40s %s\n", st.Version, st.Filename, state)
		}

	case "rebuild-history":
		n, err := projection.Rebuild(ctx, db, persistence.NewEventLogWriter(db), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("rebuild history")
		}
		logger.Info().Int("events", n).Msg("request history rebuilt")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down', 'status' or 'rebuild-history')\n", os.Args[1])
		os.Exit(1)
	}
}
