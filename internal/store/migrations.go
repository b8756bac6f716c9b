package store

import (
	"context"
	"embed"
	"fmt"
	"path"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// Migrator is implemented by backends with a schema.
type Migrator interface {
	RunMigrations(ctx context.Context) error
}

type execer func(ctx context.Context, sql string) error

// applyMigrations executes the embedded SQL files of dir in name order.
func applyMigrations(ctx context.Context, dir string, exec execer) error {
	root := path.Join("migrations", dir)
	entries, err := migrationFiles.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join(root, e.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if err := exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return applyMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

// RunMigrations executes the embedded SQLite migrations in order.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return applyMigrations(ctx, "sqlite", func(ctx context.Context, sql string) error {
		_, err := s.db.ExecContext(ctx, sql)
		return err
	})
}
