// Package migrate applies the goose migrations for the Postgres stores.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/splax/togglemetrics/db"
)

const commandTimeout = time.Minute

// Runner wraps database migration capabilities.
type Runner struct {
	dsn  string
	fsys fs.FS
	dir  string
	log  *slog.Logger
}

// New returns a migration runner backed by goose. An empty migrationsDir
// selects the migrations embedded in the binary.
func New(dsn, migrationsDir string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if log == nil {
		log = slog.Default()
	}
	if migrationsDir == "" {
		return Runner{dsn: dsn, fsys: db.Migrations, dir: db.MigrationsDir, log: log}, nil
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	return Runner{dsn: dsn, fsys: os.DirFS(migrationsDir), dir: ".", log: log}, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		r.log.Info("applying migrations", "dir", r.dir)
		results, err := p.Up(ctx)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		r.log.Info("migrations applied", "count", len(results))
		return nil
	})
}

// Status logs applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, st := range statuses {
			r.log.Info("migration status",
				"version", st.Source.Version,
				"path", st.Source.Path,
				"state", string(st.State),
				"applied_at", st.AppliedAt,
			)
		}
		return nil
	})
}

// Down rolls back migrations either to the previous version or a specific target version.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		if targetVersion > 0 {
			r.log.Info("rolling back migrations", "target", targetVersion)
			if _, err := p.DownTo(ctx, targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
		} else {
			r.log.Info("rolling back latest migration")
			if _, err := p.Down(ctx); err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
		}
		r.log.Info("rollback complete")
		return nil
	})
}

func (r Runner) withProvider(ctx context.Context, fn func(context.Context, *goose.Provider) error) error {
	sqlDB, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := sqlDB.PingContext(runCtx); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}

	migrations, err := fs.Sub(r.fsys, r.dir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, migrations)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return fn(runCtx, provider)
}
