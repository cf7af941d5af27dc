package journal

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
)

func init() {
	Register(&postgresDriver{})
}

// postgresDriver journals to PostgreSQL for shared deployments where
// several coordinators report into one table.
type postgresDriver struct{}

func (d *postgresDriver) Name() string { return "postgres" }

func (d *postgresDriver) Open(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

func (d *postgresDriver) Schema() string {
	return `CREATE TABLE IF NOT EXISTS events (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	component TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT ''
)`
}

func (d *postgresDriver) InsertSQL() string {
	return `INSERT INTO events (ts, session_id, component, kind, payload) VALUES ($1, $2, $3, $4, $5)`
}
