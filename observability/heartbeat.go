package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	MemorySysMB     float64
	GCCount         uint32
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:     float64(mem.Sys) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}

// HeartbeatWriter writes liveness probes to the worker_heartbeats table.
// The scheduler drives it from its maintenance loop.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	workerPID  int
	running    func() int
}

// NewHeartbeatWriter creates a writer for workerName. running, when
// non-nil, reports the number of jobs in flight.
func NewHeartbeatWriter(db *sql.DB, workerName string, running func() int) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		workerPID:  os.Getpid(),
		running:    running,
	}
}

// Name returns the worker name rows are written under.
func (hw *HeartbeatWriter) Name() string { return hw.workerName }

// Beat writes one heartbeat row stamped now.
func (hw *HeartbeatWriter) Beat(ctx context.Context, now time.Time) error {
	m := CollectRuntimeMetrics()
	var running int
	if hw.running != nil {
		running = hw.running()
	}
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count, running_jobs
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.workerPID, now.UTC().UnixMilli(),
		m.GoroutinesCount, m.MemoryAllocMB, m.MemorySysMB, m.GCCount, running)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

// Cleanup deletes this worker's heartbeats older than before.
func (hw *HeartbeatWriter) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := hw.db.ExecContext(ctx,
		`DELETE FROM worker_heartbeats WHERE worker_name = ? AND timestamp < ?`,
		hw.workerName, before.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup heartbeats: %w", err)
	}
	return res.RowsAffected()
}

// HeartbeatStatus is the latest heartbeat for a worker with a staleness
// verdict.
type HeartbeatStatus struct {
	WorkerName      string         `json:"worker_name"`
	Hostname        string         `json:"hostname"`
	PID             int            `json:"pid"`
	Timestamp       time.Time      `json:"timestamp"`
	GoroutinesCount int            `json:"goroutines_count"`
	MemoryAllocMB   float64        `json:"memory_alloc_mb"`
	RunningJobs     int            `json:"running_jobs"`
	Alive           bool           `json:"alive"`
	StaleSince      *time.Duration `json:"stale_since,omitempty"`
}

// LatestHeartbeat returns the most recent heartbeat for workerName as seen
// at now. A beat older than staleAfter is reported dead. Returns nil, nil
// when the worker never beat.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, now time.Time, staleAfter time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp,
		       goroutines_count, memory_alloc_mb, running_jobs
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName)

	var (
		hs HeartbeatStatus
		ts int64
	)
	err := row.Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts,
		&hs.GoroutinesCount, &hs.MemoryAllocMB, &hs.RunningJobs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}

	hs.Timestamp = time.UnixMilli(ts).UTC()
	age := now.Sub(hs.Timestamp)
	if age <= staleAfter {
		hs.Alive = true
	} else {
		stale := age - staleAfter
		hs.StaleSince = &stale
	}
	return &hs, nil
}
