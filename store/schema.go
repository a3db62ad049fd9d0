package store

// Schema creates every table owned by the store. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id                  TEXT PRIMARY KEY,
	email               TEXT NOT NULL UNIQUE,
	display_name        TEXT NOT NULL DEFAULT '',
	is_active           INTEGER NOT NULL DEFAULT 1,
	automation_enabled  INTEGER NOT NULL DEFAULT 1,
	limit_like          INTEGER NOT NULL DEFAULT 0 CHECK (limit_like >= 0),
	limit_comment       INTEGER NOT NULL DEFAULT 0 CHECK (limit_comment >= 0),
	limit_connect       INTEGER NOT NULL DEFAULT 0 CHECK (limit_connect >= 0),
	token_expires_at    INTEGER,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	user_id     TEXT PRIMARY KEY REFERENCES users(id),
	kind        TEXT NOT NULL,
	sealed      BLOB NOT NULL,
	expires_at  INTEGER,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS browser_sessions (
	user_id           TEXT PRIMARY KEY REFERENCES users(id),
	state             TEXT NOT NULL DEFAULT 'uninitialized',
	storage_state     BLOB,
	last_activity_at  INTEGER,
	last_error        TEXT NOT NULL DEFAULT '',
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL REFERENCES users(id),
	kind              TEXT NOT NULL,
	params            TEXT NOT NULL,
	priority          INTEGER NOT NULL DEFAULT 1,
	status            TEXT NOT NULL DEFAULT 'pending',
	attempts          INTEGER NOT NULL DEFAULT 0,
	max_attempts      INTEGER NOT NULL DEFAULT 3,
	eligible_at       INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	started_at        INTEGER,
	completed_at      INTEGER,
	error_kind        TEXT NOT NULL DEFAULT '',
	result            TEXT,
	cancel_requested  INTEGER NOT NULL DEFAULT 0,
	worker_id         TEXT NOT NULL DEFAULT '',
	dedupe_key        TEXT,
	CHECK (attempts <= max_attempts)
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs (status, priority DESC, eligible_at, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs (user_id, dedupe_key) WHERE dedupe_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS action_logs (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	attempt      INTEGER NOT NULL,
	item_index   INTEGER NOT NULL,
	action       TEXT NOT NULL,
	target       TEXT NOT NULL DEFAULT '',
	success      INTEGER NOT NULL,
	error_kind   TEXT NOT NULL DEFAULT '',
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	details      TEXT,
	created_at   INTEGER NOT NULL,
	UNIQUE (job_id, attempt, item_index)
);
CREATE INDEX IF NOT EXISTS idx_action_logs_user ON action_logs (user_id, created_at);

CREATE TABLE IF NOT EXISTS daily_counters (
	user_id      TEXT NOT NULL,
	date         TEXT NOT NULL,
	likes        INTEGER NOT NULL DEFAULT 0,
	comments     INTEGER NOT NULL DEFAULT 0,
	connections  INTEGER NOT NULL DEFAULT 0,
	views        INTEGER NOT NULL DEFAULT 0,
	follow_ups   INTEGER NOT NULL DEFAULT 0,
	sessions     INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, date)
);

CREATE TABLE IF NOT EXISTS connections (
	user_id      TEXT NOT NULL,
	profile_url  TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'sent',
	sent_at      INTEGER NOT NULL,
	accepted_at  INTEGER,
	messaged_at  INTEGER,
	job_id       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, profile_url)
);
`
