// Package engine assembles the execution core (store, vault, quota
// governor, browser manager, executor, scheduler, event sinks) from a
// config.Config and exposes the operations the HTTP and MCP surfaces call.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/config"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/dbopen"
	"github.com/hazyhaar/snaplinked/events"
	"github.com/hazyhaar/snaplinked/executor"
	"github.com/hazyhaar/snaplinked/observability"
	"github.com/hazyhaar/snaplinked/quota"
	"github.com/hazyhaar/snaplinked/scheduler"
	"github.com/hazyhaar/snaplinked/store"
	"github.com/hazyhaar/snaplinked/textgen"
	"github.com/hazyhaar/snaplinked/vault"
)

// Engine is the assembled service.
type Engine struct {
	cfg       config.Config
	db        *sql.DB
	store     *store.Store
	vault     *vault.Vault
	gov       *quota.Governor
	browsers  *browser.Manager
	sched     *scheduler.Service
	heartbeat *observability.HeartbeatWriter
	audit     *observability.AuditLogger
	clock     clock.Clock
	logger    *slog.Logger

	closers []func() error
}

type options struct {
	db     *sql.DB
	driver browser.Driver
	clock  clock.Clock
	logger *slog.Logger
	gen    textgen.Generator
	sinks  []events.Sink
}

// Option customizes New.
type Option func(*options)

// WithDB uses db instead of opening cfg.DB.Path. The caller keeps
// ownership.
func WithDB(db *sql.DB) Option { return func(o *options) { o.db = db } }

// WithDriver replaces the Rod browser driver.
func WithDriver(d browser.Driver) Option { return func(o *options) { o.driver = d } }

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithTextGenerator replaces the configured AI providers.
func WithTextGenerator(g textgen.Generator) Option { return func(o *options) { o.gen = g } }

// WithSinks adds event sinks to the configured ones.
func WithSinks(s ...events.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// New wires every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	e := &Engine{cfg: *cfg, clock: o.clock, logger: o.logger}

	if err := e.openStore(ctx, o.db); err != nil {
		return nil, err
	}
	v, err := vault.New([]byte(cfg.Vault.Key), e.store)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.vault = v
	e.gov = quota.New(e.store, quota.WithLimits(cfg.Quota), quota.WithLogger(e.logger))

	gen := o.gen
	if gen == nil {
		if gen, err = textGenerator(ctx, cfg.TextGen); err != nil {
			e.Close()
			return nil, err
		}
	}
	sinks, err := e.sinks(ctx, cfg.Events)
	if err != nil {
		e.Close()
		return nil, err
	}
	sinks = append(sinks, o.sinks...)

	driver := o.driver
	if driver == nil {
		driver = browser.NewRodDriver(e.logger)
	}
	// The state hook needs the scheduler, which needs the manager.
	var sched *scheduler.Service
	e.browsers = browser.NewManager(driver, e.store, e.vault, e.vault,
		browser.WithConfig(cfg.Browser),
		browser.WithClock(e.clock),
		browser.WithLogger(e.logger),
		browser.WithStateHook(func(sc browser.StateChange) {
			if sched != nil {
				sched.SessionChanged(sc)
			}
		}),
	)

	exec := executor.New(
		executor.WithClock(e.clock),
		executor.WithTiming(cfg.Timing),
		executor.WithSelectors(cfg.Selectors),
		executor.WithTextGenerator(gen),
		executor.WithNetwork(e.store),
		executor.WithLogger(e.logger),
	)

	schedCfg := cfg.Scheduler
	if schedCfg.WorkerName == "" {
		host, _ := os.Hostname()
		schedCfg.WorkerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	e.heartbeat = observability.NewHeartbeatWriter(e.db, schedCfg.WorkerName, func() int { return sched.Running() })
	sched = scheduler.New(e.store, e.gov, e.browsers, exec,
		scheduler.WithConfig(schedCfg),
		scheduler.WithClock(e.clock),
		scheduler.WithLogger(e.logger),
		scheduler.WithSinks(sinks...),
		scheduler.WithHeartbeat(e.heartbeat),
	)
	e.sched = sched
	return e, nil
}

func (e *Engine) openStore(ctx context.Context, db *sql.DB) error {
	if db == nil {
		var err error
		db, err = dbopen.Open(e.cfg.DB.Path, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("engine: open db: %w", err)
		}
		e.closers = append(e.closers, db.Close)
	}
	e.db = db
	e.store = store.New(db)
	if err := e.store.Init(ctx); err != nil {
		e.Close()
		return err
	}
	if err := observability.Init(ctx, db); err != nil {
		e.Close()
		return err
	}
	e.audit = observability.NewAuditLogger(db)
	return nil
}

// textGenerator chains the configured providers in order. Nil means
// templates only.
func textGenerator(ctx context.Context, cfg config.TextGenConfig) (textgen.Generator, error) {
	var chain textgen.Chain
	for _, p := range cfg.Providers {
		switch p {
		case "gemini":
			g, err := textgen.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
			if err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
			chain = append(chain, g)
		case "openai":
			g, err := textgen.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
			if err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
			chain = append(chain, g)
		default:
			return nil, fmt.Errorf("engine: unknown text provider %q", p)
		}
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

// sinks builds the configured event sinks. Broker sinks are closed by
// Close.
func (e *Engine) sinks(ctx context.Context, cfg config.EventsConfig) ([]events.Sink, error) {
	var out []events.Sink
	if cfg.Stdout {
		out = append(out, events.NewStdout(os.Stdout))
	}
	for _, wh := range cfg.Webhooks {
		opts := []events.WebhookOption{events.WithWebhookLogger(e.logger)}
		if wh.Retries > 0 {
			opts = append(opts, events.WithWebhookRetries(wh.Retries))
		}
		if wh.Backoff > 0 {
			opts = append(opts, events.WithWebhookBackoff(wh.Backoff))
		}
		if wh.AllowPrivate {
			opts = append(opts, events.WithWebhookAllowPrivate())
		}
		s, err := events.NewWebhook(wh.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		out = append(out, s)
	}
	if cfg.Redis.Addr != "" {
		s, err := events.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			e.closeSinks(out)
			return nil, fmt.Errorf("engine: %w", err)
		}
		out = append(out, s)
	}
	if cfg.AMQP.URL != "" {
		s, err := events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			e.closeSinks(out)
			return nil, fmt.Errorf("engine: %w", err)
		}
		out = append(out, s)
	}
	for _, s := range out {
		e.closers = append(e.closers, s.Close)
	}
	return out, nil
}

func (e *Engine) closeSinks(sinks []events.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

// Run starts the session reaper and the scheduler, and blocks until ctx is
// done. Running jobs are drained before it returns.
func (e *Engine) Run(ctx context.Context) error {
	go e.browsers.Run(ctx)
	err := e.sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if serr := e.browsers.Shutdown(shutdownCtx); serr != nil {
		e.logger.Warn("engine: browser shutdown", "error", serr)
	}
	return err
}

// Close releases the database and the event sinks.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Scheduler exposes the job scheduler.
func (e *Engine) Scheduler() *scheduler.Service { return e.sched }

// Store exposes the persistence layer.
func (e *Engine) Store() *store.Store { return e.store }

// Health reports the latest worker heartbeat.
func (e *Engine) Health(ctx context.Context) (*observability.HeartbeatStatus, error) {
	stale := 3 * e.sched.Config().HeartbeatInterval
	return observability.LatestHeartbeat(ctx, e.db, e.heartbeat.Name(), e.clock.Now(), stale)
}

func (e *Engine) now() time.Time { return e.clock.Now() }

// Record appends an entry to the audit trail. Failures are logged, never
// returned: the audited operation already happened.
func (e *Engine) Record(ctx context.Context, operation, userID string, params any, err error) {
	entry := e.audit.NewEntry(ctx, operation, userID, params, err, e.now())
	if lerr := e.audit.Log(ctx, entry); lerr != nil {
		e.logger.Warn("engine: audit", "operation", operation, "user_id", userID, "error", lerr)
	}
}

// AuditLog queries the audit trail.
func (e *Engine) AuditLog(ctx context.Context, f observability.AuditFilter) ([]*observability.AuditEntry, error) {
	return e.audit.Query(ctx, f)
}

// ownJob loads a job, hiding jobs of other users behind ErrNotFound. An
// empty userID skips the check.
func (e *Engine) ownJob(ctx context.Context, userID, jobID string) (*core.Job, error) {
	j, err := e.sched.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if userID != "" && j.UserID != userID {
		return nil, core.ErrNotFound
	}
	return j, nil
}
