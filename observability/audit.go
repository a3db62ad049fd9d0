package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/idgen"
	"github.com/hazyhaar/snaplinked/kit"
)

// AuditEntry records one account-level operation: who did what to which
// user, through which transport, and whether it worked.
type AuditEntry struct {
	EntryID      string    `json:"entry_id"`
	Timestamp    time.Time `json:"timestamp"`
	Operation    string    `json:"operation"`
	ActorID      string    `json:"actor_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Transport    string    `json:"transport,omitempty"`
	Parameters   string    `json:"parameters,omitempty"` // JSON
	Status       string    `json:"status"`               // "success" or "error"
	ErrorMessage string    `json:"error_message,omitempty"`
}

// AuditFilter narrows Query. Zero fields match everything.
type AuditFilter struct {
	UserID    string
	Operation string
	Since     time.Time
	Limit     int // default 100, max 1000
	Offset    int
}

// AuditLogger writes the audit trail to the audit_log table.
type AuditLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewAuditLogger creates a logger over db. Init must have run.
func NewAuditLogger(db *sql.DB) *AuditLogger {
	return &AuditLogger{db: db, newID: idgen.Prefixed("aud_", idgen.Default)}
}

// NewEntry builds an entry for operation on userID. The actor, request ID
// and transport come from ctx. params is stored as JSON and must not carry
// secrets.
func (a *AuditLogger) NewEntry(ctx context.Context, operation, userID string, params any, err error, now time.Time) *AuditEntry {
	e := &AuditEntry{
		EntryID:   a.newID(),
		Timestamp: now.UTC(),
		Operation: operation,
		ActorID:   kit.GetUserID(ctx),
		UserID:    userID,
		RequestID: kit.GetRequestID(ctx),
		Transport: kit.GetTransport(ctx),
		Status:    "success",
	}
	if params != nil {
		if b, merr := json.Marshal(params); merr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = "error"
		e.ErrorMessage = err.Error()
	}
	return e
}

// Log inserts e.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log (entry_id, timestamp, operation, actor_id, user_id,
			request_id, transport, parameters, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Timestamp.UnixMilli(), e.Operation, nullString(e.ActorID), nullString(e.UserID),
		nullString(e.RequestID), nullString(e.Transport), nullString(e.Parameters), e.Status, nullString(e.ErrorMessage))
	if err != nil {
		return fmt.Errorf("observability: audit insert: %w", err)
	}
	return nil
}

// Query returns matching entries, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT entry_id, timestamp, operation, actor_id, user_id, request_id,
		transport, parameters, status, error_message
		FROM audit_log WHERE 1=1`
	var args []any
	if f.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Operation != "" {
		q += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	limit = min(limit, 1000)
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: audit query: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e                                        AuditEntry
			ts                                       int64
			actor, user, req, transport, params, msg sql.NullString
		)
		if err := rows.Scan(&e.EntryID, &ts, &e.Operation, &actor, &user, &req,
			&transport, &params, &e.Status, &msg); err != nil {
			return nil, fmt.Errorf("observability: audit scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.ActorID, e.UserID, e.RequestID = actor.String, user.String, req.String
		e.Transport, e.Parameters, e.ErrorMessage = transport.String, params.String, msg.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
