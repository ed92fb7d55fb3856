package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/tenantd/internal/registry"
	"github.com/loykin/tenantd/internal/workspace"
)

// DB implements registry.Registry on PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	p := &DB{db: d}
	if err := p.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return p, nil
}

func (p *DB) ensureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workspaces(
			workspace TEXT PRIMARY KEY,
			api_key TEXT UNIQUE NOT NULL,
			port INTEGER UNIQUE NOT NULL
		);`)
	return err
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Create(ctx context.Context, cfg workspace.Config) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO workspaces(workspace, api_key, port) VALUES($1, $2, $3);`,
		cfg.Workspace, cfg.APIKey, cfg.Port)
	if isUniqueViolation(err) {
		return registry.ErrDuplicateWorkspace
	}
	return err
}

func (p *DB) GetByName(ctx context.Context, name string) (workspace.Config, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT workspace, api_key, port FROM workspaces WHERE workspace=$1;`, name)
	return scanOne(row)
}

func (p *DB) GetByKey(ctx context.Context, apiKey string) (workspace.Config, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT workspace, api_key, port FROM workspaces WHERE api_key=$1;`, apiKey)
	return scanOne(row)
}

func (p *DB) List(ctx context.Context) ([]workspace.Config, error) {
	rows, err := p.db.QueryContext(ctx,
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

func (p *DB) Delete(ctx context.Context, name string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM workspaces WHERE workspace=$1;`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (p *DB) UpdatePort(ctx context.Context, name string, port int) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE workspaces SET port=$1 WHERE workspace=$2;`, port, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// isUniqueViolation matches PostgreSQL error class 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
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
