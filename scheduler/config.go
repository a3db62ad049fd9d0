package scheduler

import (
	"math"
	"time"

	"github.com/hazyhaar/snaplinked/clock"
)

// Config tunes the worker pool and maintenance loops.
type Config struct {
	// Workers is the pool size. Default 4, capped at MaxWorkers.
	Workers int `yaml:"workers"`
	// WorkerName prefixes worker IDs written on claimed jobs.
	WorkerName string `yaml:"worker_name"`
	// IdlePoll bounds the wait when the queue is empty.
	IdlePoll   time.Duration `yaml:"idle_poll"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	// CancelPoll is how often a running job re-reads its cancel flag.
	CancelPoll time.Duration `yaml:"cancel_poll"`
	// DisabledRetry defers jobs of a user the governor reports disabled.
	DisabledRetry time.Duration `yaml:"disabled_retry"`
	Backoff       Backoff       `yaml:"backoff"`

	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	LogRetention        time.Duration `yaml:"log_retention"`
	JobRetention        time.Duration `yaml:"job_retention"`
}

// MaxWorkers caps Config.Workers.
const MaxWorkers = 32

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	c.Workers = min(c.Workers, MaxWorkers)
	if c.WorkerName == "" {
		c.WorkerName = "worker"
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 10 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = 2 * time.Second
	}
	if c.DisabledRetry <= 0 {
		c.DisabledRetry = 15 * time.Minute
	}
	c.Backoff.defaults()
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Hour
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 30 * 24 * time.Hour
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 24 * time.Hour
	}
}

// Backoff is the retry delay policy: Base·Factor^(attempt-1), capped at
// Max, spread by ±Jitter.
type Backoff struct {
	Base   time.Duration `yaml:"base"`
	Factor float64       `yaml:"factor"`
	Max    time.Duration `yaml:"max"`
	Jitter float64       `yaml:"jitter"`
}

func (b *Backoff) defaults() {
	if b.Base <= 0 {
		b.Base = 30 * time.Second
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	if b.Max <= 0 {
		b.Max = 15 * time.Minute
	}
	if b.Jitter <= 0 || b.Jitter >= 1 {
		b.Jitter = 0.25
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(c clock.Clock, attempt int) time.Duration {
	attempt = max(attempt, 1)
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	d = min(d, float64(b.Max))
	lo := time.Duration(d * (1 - b.Jitter))
	hi := time.Duration(d * (1 + b.Jitter))
	return c.Jitter(lo, hi)
}
