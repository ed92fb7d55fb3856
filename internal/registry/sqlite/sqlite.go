package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/tenantd/internal/registry"
	"github.com/loykin/tenantd/internal/workspace"
)

// DB implements registry.Registry on SQLite (modernc.org/sqlite, CGO-free).
// Path is a filesystem path; use ":memory:" for tests.

type DB struct {
	db *sql.DB
}

// New opens the database and ensures the schema.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &DB{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workspaces(
			workspace TEXT PRIMARY KEY,
			api_key TEXT UNIQUE NOT NULL,
			port INTEGER UNIQUE NOT NULL
		);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Create(ctx context.Context, cfg workspace.Config) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces(workspace, api_key, port) VALUES(?, ?, ?);`,
		cfg.Workspace, cfg.APIKey, cfg.Port)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return registry.ErrDuplicateWorkspace
	}
	return err
}

func (s *DB) GetByName(ctx context.Context, name string) (workspace.Config, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workspace, api_key, port FROM workspaces WHERE workspace=?;`, name)
	return scanOne(row)
}

func (s *DB) GetByKey(ctx context.Context, apiKey string) (workspace.Config, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workspace, api_key, port FROM workspaces WHERE api_key=?;`, apiKey)
	return scanOne(row)
}

func (s *DB) List(ctx context.Context) ([]workspace.Config, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace, api_key, port FROM workspaces ORDER BY workspace;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]workspace.Config, 0)
	for rows.Next() {
		var cfg workspace.Config
		if err := rows.Scan(&cfg.Workspace, &cfg.APIKey, &cfg.Port); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *DB) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE workspace=?;`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *DB) UpdatePort(ctx context.Context, name string, port int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET port=? WHERE workspace=?;`, port, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func scanOne(row *sql.Row) (workspace.Config, error) {
	var cfg workspace.Config
	if err := row.Scan(&cfg.Workspace, &cfg.APIKey, &cfg.Port); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return workspace.Config{}, registry.ErrNotFound
		}
		return workspace.Config{}, err
	}
	return cfg, nil
}
