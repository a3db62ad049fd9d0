package observability

import (
	"context"
	"database/sql"
)

// Schema holds the liveness and audit tables. It can share the jobs
// database.
const Schema = `
CREATE TABLE IF NOT EXISTS worker_heartbeats (
	heartbeat_id     TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
	worker_name      TEXT NOT NULL,
	hostname         TEXT NOT NULL,
	worker_pid       INTEGER NOT NULL,
	timestamp        INTEGER NOT NULL,
	goroutines_count INTEGER,
	memory_alloc_mb  REAL,
	memory_sys_mb    REAL,
	gc_count         INTEGER,
	running_jobs     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
	ON worker_heartbeats(worker_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_log (
	entry_id      TEXT PRIMARY KEY,
	timestamp     INTEGER NOT NULL,
	operation     TEXT NOT NULL,
	actor_id      TEXT,
	user_id       TEXT,
	request_id    TEXT,
	transport     TEXT,
	parameters    TEXT,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_user_time ON audit_log(user_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation, timestamp DESC);
`

// Init applies the observability schema to db.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
