// Package store persists users, credentials, browser sessions, jobs, action
// logs, daily counters and connections in SQLite.
//
// Every multi-statement write runs inside dbopen.RunTx; the database is
// opened with IMMEDIATE transactions so a transaction that reads before it
// writes cannot be interleaved with another writer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/dbopen"
	"github.com/hazyhaar/snaplinked/idgen"
)

// Store wraps the SQLite database.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
	logID idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerators overrides the job and action-log ID generators.
func WithIDGenerators(job, log idgen.Generator) Option {
	return func(s *Store) {
		s.newID = job
		s.logID = log
	}
}

// New wraps db. Call Init once to create the schema when db was not opened
// with dbopen.WithSchema(Schema).
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, newID: idgen.Job, logID: idgen.Log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens path with the store schema applied.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	s := New(db)
	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrations add columns introduced after a table was first shipped.
var migrations = []string{
	`ALTER TABLE jobs ADD COLUMN dedupe_key TEXT`,
}

// Init creates the schema and migrates older files in place.
func (s *Store) Init(ctx context.Context) error {
	for _, m := range migrations {
		// Fails on a fresh file or when already applied.
		_, _ = s.db.ExecContext(ctx, m)
	}
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: init: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for sibling packages sharing the file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ms(*t), Valid: true}
}

func ptrMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dbExec(ctx context.Context, db *sql.DB, q string, args ...any) (sql.Result, error) {
	return dbopen.Exec(ctx, db, q, args...)
}
