// Package persistence stores lifecycle events and run records in SQLite or
// Postgres. Simulation state itself is never saved; a run can be audited,
// not resumed.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/kinfolk/internal/agents"
	"github.com/talgya/kinfolk/internal/config"
	"github.com/talgya/kinfolk/internal/engine"
)

// MetaLastRun is the sim_meta key holding the most recently started run.
const MetaLastRun = "last_run"

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// DB wraps a database connection for event storage.
type DB struct {
	conn   *sqlx.DB
	driver string
	runID  uuid.UUID
}

// Open connects to the database and applies the schema. For SQLite the dsn
// is a file path; for Postgres it is a connection URL.
func Open(driver, dsn string) (*DB, error) {
	var source string
	switch driver {
	case DriverSQLite:
		source = dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	case DriverPostgres:
		source = dsn
	default:
		return nil, fmt.Errorf("unsupported database driver %q (want %s or %s)", driver, DriverSQLite, DriverPostgres)
	}

	conn, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// One writer; sinks run sequentially anyway.
		conn.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn, driver: driver}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// RunID returns the ID of the run started with StartRun.
func (db *DB) RunID() uuid.UUID {
	return db.runID
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	seed INTEGER NOT NULL,
	params_json TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	ticks INTEGER NOT NULL DEFAULT 0,
	years REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	tick INTEGER NOT NULL,
	time REAL NOT NULL,
	kind TEXT NOT NULL,
	subject INTEGER NOT NULL,
	other INTEGER NOT NULL DEFAULT 0,
	relationship INTEGER NOT NULL DEFAULT 0,
	age REAL NOT NULL DEFAULT 0,
	mother INTEGER,
	description TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sim_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_run_tick ON events(run_id, tick);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		seed BIGINT NOT NULL,
		params_json JSONB NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		ticks BIGINT NOT NULL DEFAULT 0,
		years DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		tick BIGINT NOT NULL,
		time DOUBLE PRECISION NOT NULL,
		kind TEXT NOT NULL,
		subject BIGINT NOT NULL,
		other BIGINT NOT NULL DEFAULT 0,
		relationship BIGINT NOT NULL DEFAULT 0,
		age DOUBLE PRECISION NOT NULL DEFAULT 0,
		mother BIGINT,
		description TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sim_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_tick ON events(run_id, tick)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
}

func (db *DB) migrate() error {
	if db.driver == DriverSQLite {
		_, err := db.conn.Exec(sqliteSchema)
		return err
	}
	for _, stmt := range postgresSchema {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// StartRun records a new run and tags every subsequent event with its ID.
func (db *DB) StartRun(ctx context.Context, seed int64, params config.SimulationParameters) (uuid.UUID, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode params: %w", err)
	}
	prev, err := db.GetMeta(ctx, MetaLastRun)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("previous run: %w", err)
	}

	id := uuid.New()
	_, err = db.conn.ExecContext(ctx, db.conn.Rebind(
		"INSERT INTO runs (id, seed, params_json, started_at) VALUES (?, ?, ?, ?)"),
		id.String(), seed, string(paramsJSON), db.timestamp(time.Now()),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert run: %w", err)
	}
	if err := db.SaveMeta(ctx, MetaLastRun, id.String()); err != nil {
		return uuid.Nil, err
	}
	db.runID = id
	slog.Info("run started", "run_id", id, "previous_run", prev, "driver", db.driver)
	return id, nil
}

// FinishRun stamps the run with its final tick and simulated years.
func (db *DB) FinishRun(ctx context.Context, ticks uint64, years float64) error {
	if db.runID == uuid.Nil {
		return errors.New("finish run: no run started")
	}
	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		"UPDATE runs SET finished_at = ?, ticks = ?, years = ? WHERE id = ?"),
		db.timestamp(time.Now()), int64(ticks), years, db.runID.String(),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// timestamp renders t for the dialect: RFC 3339 text for SQLite, a native
// time for Postgres.
func (db *DB) timestamp(t time.Time) any {
	if db.driver == DriverSQLite {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t.UTC()
}

// WriteBatch appends a batch of events in a single transaction.
func (db *DB) WriteBatch(ctx context.Context, b engine.Batch) error {
	if len(b.Events) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO events
		(run_id, tick, time, kind, subject, other, relationship, age, mother, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	run := db.runID.String()
	for _, e := range b.Events {
		var mother sql.NullInt64
		if e.Mother != nil {
			mother = sql.NullInt64{Int64: int64(*e.Mother), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			run, int64(e.Tick), e.Time, string(e.Kind),
			int64(e.Subject), int64(e.Other), int64(e.Relationship), e.Age,
			mother, e.Description(),
		)
		if err != nil {
			return fmt.Errorf("insert %s event at tick %d: %w", e.Kind, e.Tick, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// StoredEvent is an event row as read back from the database.
type StoredEvent struct {
	Tick         int64         `db:"tick" json:"tick"`
	Time         float64       `db:"time" json:"time"`
	Kind         string        `db:"kind" json:"kind"`
	Subject      int64         `db:"subject" json:"subject"`
	Other        int64         `db:"other" json:"other,omitempty"`
	Relationship int64         `db:"relationship" json:"relationship,omitempty"`
	Age          float64       `db:"age" json:"age,omitempty"`
	Mother       sql.NullInt64 `db:"mother" json:"-"`
	Description  string        `db:"description" json:"description"`
}

// Event converts the row back into an engine event.
func (s StoredEvent) Event() engine.Event {
	ev := engine.Event{
		Kind:         engine.EventKind(s.Kind),
		Tick:         uint64(s.Tick),
		Time:         s.Time,
		Subject:      agents.IndividualID(s.Subject),
		Other:        agents.IndividualID(s.Other),
		Relationship: agents.PartnershipID(s.Relationship),
		Age:          s.Age,
	}
	if s.Mother.Valid {
		m := agents.IndividualID(s.Mother.Int64)
		ev.Mother = &m
	}
	return ev
}

// RecentEvents returns the most recent events of the current run, newest
// first. An empty kind matches every kind.
func (db *DB) RecentEvents(ctx context.Context, kind string, limit int) ([]StoredEvent, error) {
	var events []StoredEvent
	query := `SELECT tick, time, kind, subject, other, relationship, age, mother, description
		FROM events WHERE run_id = ?`
	args := []any{db.runID.String()}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	if err := db.conn.SelectContext(ctx, &events, db.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return events, nil
}

// EventCounts returns the number of stored events per kind for the current run.
func (db *DB) EventCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Kind  string `db:"kind"`
		Count int    `db:"n"`
	}
	err := db.conn.SelectContext(ctx, &rows, db.conn.Rebind(
		"SELECT kind, COUNT(*) AS n FROM events WHERE run_id = ? GROUP BY kind"),
		db.runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("event counts: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Kind] = r.Count
	}
	return counts, nil
}

// SaveMeta stores a key-value pair in simulator metadata.
func (db *DB) SaveMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		`INSERT INTO sim_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
		key, value,
	)
	if err != nil {
		return fmt.Errorf("save meta %q: %w", key, err)
	}
	return nil
}

// GetMeta retrieves a metadata value. A missing key returns sql.ErrNoRows.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.GetContext(ctx, &value, db.conn.Rebind("SELECT value FROM sim_meta WHERE key = ?"), key)
	return value, err
}
