package journal

import (
	"database/sql"

	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver
)

func init() {
	Register(&sqliteDriver{})
}

// sqliteDriver journals to a local file, the default for single-host runs.
type sqliteDriver struct{}

func (d *sqliteDriver) Name() string { return "sqlite" }

func (d *sqliteDriver) Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writes; one connection avoids lock contention.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (d *sqliteDriver) Schema() string {
	return `CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TIMESTAMP NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	component TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT ''
)`
}

func (d *sqliteDriver) InsertSQL() string {
	return `INSERT INTO events (ts, session_id, component, kind, payload) VALUES (?, ?, ?, ?, ?)`
}
