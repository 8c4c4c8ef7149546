package state

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Dialect hides the SQL differences between the supported drivers.
// Queries are written with $N placeholders.
type Dialect struct {
	driver string
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// Driver returns the driver name.
func (d Dialect) Driver() string { return d.driver }

// Rebind converts $N placeholders to the driver's form.
func (d Dialect) Rebind(query string) string {
	if d.driver == DriverSQLite {
		return placeholderRe.ReplaceAllString(query, "?")
	}
	return query
}

func (d Dialect) schema() string {
	if d.driver == DriverSQLite {
		return sqliteSchema
	}
	return postgresSchema
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, url string, maxOpenConns int) (*sql.DB, Dialect, error) {
	switch driver {
	case DriverPostgres:
		db, err := sql.Open("pgx", url)
		if err != nil {
			return nil, Dialect{}, fmt.Errorf("failed to open postgres: %w", err)
		}
		if maxOpenConns > 0 {
			db.SetMaxOpenConns(maxOpenConns)
		}
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, Dialect{}, fmt.Errorf("failed to ping postgres: %w", err)
		}
		return db, Dialect{driver: DriverPostgres}, nil

	case DriverSQLite, "":
		db, err := sql.Open("sqlite", url)
		if err != nil {
			return nil, Dialect{}, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// Each connection to :memory: is a separate database.
		if url == ":memory:" || maxOpenConns <= 0 {
			db.SetMaxOpenConns(1)
		} else {
			db.SetMaxOpenConns(maxOpenConns)
		}
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		}
		for _, p := range pragmas {
			if _, err := db.ExecContext(ctx, p); err != nil {
				db.Close()
				return nil, Dialect{}, fmt.Errorf("failed to set pragma %s: %w", p, err)
			}
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, Dialect{}, fmt.Errorf("failed to ping sqlite: %w", err)
		}
		return db, Dialect{driver: DriverSQLite}, nil

	default:
		return nil, Dialect{}, fmt.Errorf("unknown database driver: %s", driver)
	}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS environments (
    id BIGSERIAL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    provider VARCHAR(32) NOT NULL DEFAULT 'aws',
    aws_account_id VARCHAR(32) NOT NULL DEFAULT '',
    aws_region VARCHAR(32) NOT NULL DEFAULT '',
    aws_access_key_id VARCHAR(128) NOT NULL DEFAULT '',
    aws_secret_access_key TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
    id BIGSERIAL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    version VARCHAR(64) NOT NULL,
    repository_url TEXT NOT NULL DEFAULT '',
    repository_username VARCHAR(128) NOT NULL DEFAULT '',
    repository_password TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS deployments (
    id BIGSERIAL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    environment_id BIGINT NOT NULL REFERENCES environments(id),
    stack_id BIGINT NOT NULL DEFAULT 0,
    product_id BIGINT NOT NULL REFERENCES products(id),
    status VARCHAR(32) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS deployment_overrides (
    id BIGSERIAL PRIMARY KEY,
    deployment_id BIGINT NOT NULL REFERENCES deployments(id),
    scope VARCHAR(16) NOT NULL,
    name VARCHAR(128) NOT NULL,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resource_properties (
    id BIGSERIAL PRIMARY KEY,
    deployment_id BIGINT NOT NULL REFERENCES deployments(id),
    name VARCHAR(128) NOT NULL,
    value TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_overrides_deployment ON deployment_overrides(deployment_id);
CREATE INDEX IF NOT EXISTS idx_properties_deployment ON resource_properties(deployment_id);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS environments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT 'aws',
    aws_account_id TEXT NOT NULL DEFAULT '',
    aws_region TEXT NOT NULL DEFAULT '',
    aws_access_key_id TEXT NOT NULL DEFAULT '',
    aws_secret_access_key TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    repository_url TEXT NOT NULL DEFAULT '',
    repository_username TEXT NOT NULL DEFAULT '',
    repository_password TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS deployments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    environment_id INTEGER NOT NULL REFERENCES environments(id),
    stack_id INTEGER NOT NULL DEFAULT 0,
    product_id INTEGER NOT NULL REFERENCES products(id),
    status TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    deleted_at DATETIME
);

CREATE TABLE IF NOT EXISTS deployment_overrides (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    deployment_id INTEGER NOT NULL REFERENCES deployments(id),
    scope TEXT NOT NULL,
    name TEXT NOT NULL,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resource_properties (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    deployment_id INTEGER NOT NULL REFERENCES deployments(id),
    name TEXT NOT NULL,
    value TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_overrides_deployment ON deployment_overrides(deployment_id);
CREATE INDEX IF NOT EXISTS idx_properties_deployment ON resource_properties(deployment_id);
`
