package db

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	up      string
	down    string
}

// RunMigrations applies all pending migrations to the database at path.
func RunMigrations(ctx context.Context, path string) error {
	return migratePath(ctx, path, false)
}

// RollbackMigrations rolls back every applied migration.
func RollbackMigrations(ctx context.Context, path string) error {
	return migratePath(ctx, path, true)
}

func migratePath(ctx context.Context, path string, down bool) error {
	d, err := Connect(ctx, path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Migrate(ctx, down)
}

func loadMigrations() ([]*migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	byVersion := make(map[int]*migration)
	for _, entry := range entries {
		name := entry.Name()
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		m := byVersion[version]
		if m == nil {
			m = &migration{version: version}
			byVersion[version] = m
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			m.up = string(content)
			m.name = strings.TrimSuffix(name, ".up.sql")
		case strings.HasSuffix(name, ".down.sql"):
			m.down = string(content)
		}
	}

	migrations := make([]*migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, m)
	}
	slices.SortFunc(migrations, func(a, b *migration) int { return a.version - b.version })
	return migrations, nil
}

// Version returns the highest applied migration version.
func (d *DB) Version(ctx context.Context) (int, error) {
	if err := d.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}
	var version int
	err := d.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return version, nil
}

func (d *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			dirty INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	return nil
}

// Migrate applies pending migrations, or rolls all of them back when down
// is set. A migration that failed halfway leaves the schema dirty and
// blocks further migrations.
func (d *DB) Migrate(ctx context.Context, down bool) error {
	current, err := d.Version(ctx)
	if err != nil {
		return err
	}
	var dirty int
	err = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE dirty != 0`).Scan(&dirty)
	if err != nil {
		return fmt.Errorf("check dirty state: %w", err)
	}
	if dirty != 0 {
		return fmt.Errorf("database is in dirty state at version %d, manual intervention required", current)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	if down {
		slices.Reverse(migrations)
		for _, m := range migrations {
			if m.version > current {
				continue
			}
			if m.down == "" {
				return fmt.Errorf("no down migration for version %d", m.version)
			}
			if err := d.apply(ctx, m.version, m.down, true); err != nil {
				return err
			}
			slog.Debug("migration rolled back", "version", m.version, "name", m.name)
		}
		return nil
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if m.up == "" {
			return fmt.Errorf("no up migration for version %d", m.version)
		}
		if err := d.apply(ctx, m.version, m.up, false); err != nil {
			return err
		}
		slog.Debug("migration applied", "version", m.version, "name", m.name)
	}
	return nil
}

func (d *DB) apply(ctx context.Context, version int, script string, down bool) error {
	if _, err := d.db.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations (version, dirty) VALUES (?, 1)`, version); err != nil {
		return fmt.Errorf("mark version %d as dirty: %w", version, err)
	}
	if _, err := d.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("run migration %d: %w", version, err)
	}

	finish := `UPDATE schema_migrations SET dirty = 0 WHERE version = ?`
	if down {
		finish = `DELETE FROM schema_migrations WHERE version = ?`
	}
	if _, err := d.db.ExecContext(ctx, finish, version); err != nil {
		return fmt.Errorf("finish version %d: %w", version, err)
	}
	return nil
}
