package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// ErrMigrationChanged is returned by Up when an applied migration file no
// longer matches the checksum recorded when it ran.
var ErrMigrationChanged = errors.New("applied migration was modified")

// Migrator runs the SQL files under migrations/ in order.
// File naming follows golang-migrate: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

// MigrationStatus is one up-migration file and whether it has run.
type MigrationStatus struct {
	Version   string
	Filename  string
	Applied   bool
	AppliedAt time.Time
}

type migrationFile struct {
	version  string
	name     string
	body     string
	checksum string
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// Up applies all pending up-migrations in version order and returns how
// many ran. Already applied files are checked against their recorded
// checksum first; rows from before checksums were tracked are backfilled.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	files, applied, err := m.load(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, f := range files {
		prev, ok := applied[f.version]
		if ok {
			if err := m.verify(ctx, f, prev); err != nil {
				return count, err
			}
			continue
		}
		err := m.inTx(ctx, f.body,
			`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
			f.version, f.name, f.checksum)
		if err != nil {
			return count, fmt.Errorf("migration %s: %w", f.name, err)
		}
		count++
		m.logger.Info().Str("migration", f.name).Msg("applied migration")
	}
	return count, nil
}

func (m *Migrator) verify(ctx context.Context, f migrationFile, prev appliedMigration) error {
	if prev.checksum == f.checksum {
		return nil
	}
	if prev.checksum != "" {
		return fmt.Errorf("%w: %s", ErrMigrationChanged, f.name)
	}
	_, err := m.db.ExecContext(ctx,
		`UPDATE public.schema_migrations SET checksum = $2 WHERE version = $1`, f.version, f.checksum)
	if err != nil {
		return fmt.Errorf("backfill checksum of %s: %w", f.name, err)
	}
	return nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	body, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", downFile, err)
	}
	err = m.inTx(ctx, string(body), `DELETE FROM public.schema_migrations WHERE version = $1`, version)
	if err != nil {
		return fmt.Errorf("rollback %s: %w", downFile, err)
	}
	m.logger.Info().Str("migration", downFile).Msg("rolled back migration")
	return nil
}

// Status lists every up-migration file with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	files, applied, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, len(files))
	for i, f := range files {
		prev, ok := applied[f.version]
		out[i] = MigrationStatus{Version: f.version, Filename: f.name, Applied: ok, AppliedAt: prev.appliedAt}
	}
	return out, nil
}

// inTx runs body and the bookkeeping statement record atomically.
func (m *Migrator) inTx(ctx context.Context, body, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func (m *Migrator) load(ctx context.Context) ([]migrationFile, map[string]appliedMigration, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("applied versions: %w", err)
	}
	files, err := m.upFiles()
	if err != nil {
		return nil, nil, fmt.Errorf("list migrations: %w", err)
	}
	return files, applied, nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE public.schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT '';
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]appliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum, applied_at FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var (
			version string
			a       appliedMigration
		)
		if err := rows.Scan(&version, &a.checksum, &a.appliedAt); err != nil {
			return nil, err
		}
		applied[version] = a
	}
	return applied, rows.Err()
}

func (m *Migrator) upFiles() ([]migrationFile, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(m.migrationsDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		files = append(files, migrationFile{
			version:  migrationVersion(e.Name()),
			name:     e.Name(),
			body:     string(body),
			checksum: crypto.Keccak256Hash(body).Hex(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// migrationVersion returns the numeric prefix of a migration filename,
// "000001" for "000001_event_log.up.sql".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
