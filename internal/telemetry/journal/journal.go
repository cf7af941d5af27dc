// Package journal persists the telemetry event stream to a SQL database.
// Drivers self-register at init, mirroring database/sql: the sqlite driver
// suits single-host runs, postgres suits shared deployments. Writes go
// through a single goroutine so event order in the table matches arrival
// order, and a full write buffer drops events instead of stalling the
// stream.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/telemetry"
)

// Driver connects the journal to one SQL dialect.
type Driver interface {
	// Name is the key used in configuration to select this driver.
	Name() string
	// Open returns a ready database handle for the given DSN.
	Open(dsn string) (*sql.DB, error)
	// Schema is the dialect's DDL for the events table.
	Schema() string
	// InsertSQL is the dialect's parameterized insert statement taking
	// (ts, session_id, component, kind, payload).
	InsertSQL() string
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register adds a driver to the registry. Drivers call this from init;
// registering two drivers under one name panics.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[d.Name()]; dup {
		panic("journal: duplicate driver " + d.Name())
	}
	drivers[d.Name()] = d
}

// Lookup returns the driver registered under name.
func Lookup(name string) (Driver, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	return d, ok
}

// Names lists registered driver names, sorted.
func Names() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const writeBuffer = 256

// Journal is a telemetry sink backed by a SQL table.
type Journal struct {
	db     *sql.DB
	driver Driver

	mu      sync.Mutex
	closed  bool
	buf     chan telemetry.Event
	done    chan struct{}
	dropped atomic.Uint64
}

// Open connects to the database selected by driverName, ensures the
// events table exists, and starts the writer goroutine.
func Open(ctx context.Context, driverName, dsn string) (*Journal, error) {
	d, ok := Lookup(driverName)
	if !ok {
		return nil, apperr.Newf(apperr.CodeConfig,
			"unknown journal driver %q, available: %v", driverName, Names())
	}
	db, err := d.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if _, err := db.ExecContext(ctx, d.Schema()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	j := &Journal{
		db:     db,
		driver: d,
		buf:    make(chan telemetry.Event, writeBuffer),
		done:   make(chan struct{}),
	}
	go j.writeLoop()
	return j, nil
}

// Name implements telemetry.Sink.
func (j *Journal) Name() string { return "journal:" + j.driver.Name() }

// Consume implements telemetry.Sink. It never blocks; events beyond the
// write buffer are dropped and counted.
func (j *Journal) Consume(_ context.Context, ev telemetry.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	select {
	case j.buf <- ev:
	default:
		j.dropped.Add(1)
	}
	return nil
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	ctx := context.Background()
	for ev := range j.buf {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			logger.Warn(ctx, "Journal payload not serializable", tag.Error(err))
			continue
		}
		_, err = j.db.ExecContext(ctx, j.driver.InsertSQL(),
			ev.Timestamp.UTC(), ev.SessionID, ev.Component, string(ev.Kind), string(payload))
		if err != nil {
			logger.Warn(ctx, "Journal write failed", tag.Error(err))
		}
	}
}

// Tail returns the n most recent events, oldest first.
func (j *Journal) Tail(ctx context.Context, n int) ([]telemetry.Event, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT ts, session_id, component, kind, payload FROM events ORDER BY id DESC LIMIT `+fmt.Sprint(n))
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []telemetry.Event
	for rows.Next() {
		var (
			ev      telemetry.Event
			ts      time.Time
			kind    string
			payload string
		)
		if err := rows.Scan(&ts, &ev.SessionID, &ev.Component, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		ev.Timestamp = ts
		ev.Kind = telemetry.Kind(kind)
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode journal payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows arrive newest first; present them in time order.
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Dropped reports events discarded because the write buffer was full.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Close flushes buffered events and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.buf)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}
