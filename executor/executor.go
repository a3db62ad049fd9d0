// Package executor scripts LinkedIn actions through a leased browser
// session.
//
// Every executor follows the same contract: a humanized pause precedes
// each click, another follows each scroll and a longer one separates two
// actions. The cancel flag and the context are checked at every pause.
// Executors never return errors; everything that happened is reported in
// an Outcome the scheduler hands to the recorder.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/quota"
	"github.com/hazyhaar/snaplinked/textgen"
)

// Session is the leased browser session a job drives. *browser.Handle
// implements it.
type Session interface {
	UserID() string
	Page() browser.Page
	NewTab(ctx context.Context) (browser.Page, error)
}

// Gate admits each action against the user's quotas and learns its
// result.
type Gate interface {
	Before(ctx context.Context, a core.Action) (quota.Decision, error)
	Success(a core.Action)
	Failure(a core.Action, kind core.ErrorKind)
}

// Network is the connection bookkeeping the follow-up generator needs.
type Network interface {
	MarkAccepted(ctx context.Context, userID string, profileURLs []string, now time.Time) (int64, error)
	PendingFollowUps(ctx context.Context, userID string, sentBefore time.Time, limit int) ([]core.Connection, error)
}

// Run is one attempt of a job.
type Run struct {
	Job     core.Job
	Attempt int
	Gate    Gate
	// Cancelled reports the job's cooperative cancel flag.
	Cancelled func() bool
	// Progress is called after every successful action.
	Progress func(done, total int)
	// Enqueue submits follow-up jobs for the same user.
	Enqueue func(ctx context.Context, spec core.JobSpec) (string, error)
	// Resume is what earlier runs of the job already committed. Item
	// indices continue from it and its successes count toward the target.
	Resume core.Progress
}

// Outcome is everything one run did.
type Outcome struct {
	Attempted int
	Succeeded int
	Target    int
	// Logs are in execution order.
	Logs []core.ActionLog
	// Terminal is set when the run ended on an error.
	Terminal core.ErrorKind
	Err      error
	// Cancelled is set when the cancel flag stopped the run.
	Cancelled bool
	// Stopped names the quota window that ended the run early.
	Stopped string
	// Deny is the quota decision behind Stopped. The scheduler defers the
	// rest of the job until the window reopens.
	Deny   *quota.Decision
	Result map[string]any
}

// ResultJSON renders the job result stored on completion.
func (o *Outcome) ResultJSON() json.RawMessage {
	m := map[string]any{
		"attempted": o.Attempted,
		"succeeded": o.Succeeded,
		"target":    o.Target,
	}
	if o.Stopped != "" {
		m["stopped"] = o.Stopped
	}
	if o.Cancelled {
		m["cancelled"] = true
	}
	for k, v := range o.Result {
		m[k] = v
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func (o *Outcome) fail(kind core.ErrorKind, err error) {
	if o.Terminal == "" {
		o.Terminal = kind
		o.Err = err
	}
}

// Executor runs jobs of every kind.
type Executor struct {
	clock   clock.Clock
	timing  Timing
	sel     Selectors
	gen     textgen.Generator
	network Network
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the clock (default clock.New()).
func WithClock(c clock.Clock) Option { return func(e *Executor) { e.clock = c } }

// WithTiming overrides humanization ranges and timeouts.
func WithTiming(t Timing) Option { return func(e *Executor) { e.timing = t } }

// WithSelectors overrides DOM selectors.
func WithSelectors(s Selectors) Option { return func(e *Executor) { e.sel = s } }

// WithTextGenerator sets the AI comment generator. Without one, AI
// comments use templates.
func WithTextGenerator(g textgen.Generator) Option { return func(e *Executor) { e.gen = g } }

// WithNetwork sets the connection store used by follow-ups.
func WithNetwork(n Network) Option { return func(e *Executor) { e.network = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{}
	for _, o := range opts {
		o(e)
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.timing = e.timing.Merge(DefaultTiming())
	e.sel = e.sel.Merge(DefaultSelectors())
	return e
}

// Execute runs one attempt of r.Job on s.
func (e *Executor) Execute(ctx context.Context, s Session, r Run) Outcome {
	x := &runner{e: e, ctx: ctx, s: s, page: s.Page(), r: r, action: r.Job.Kind.Action(), item: r.Resume.NextItem}
	x.out = &Outcome{Attempted: r.Resume.Attempted, Succeeded: r.Resume.Succeeded}
	var err error
	switch r.Job.Kind {
	case core.KindLikePosts:
		err = x.likePosts()
	case core.KindCommentPosts, core.KindAIComment:
		err = x.commentPosts()
	case core.KindSendConnections:
		err = x.sendConnections()
	case core.KindViewProfiles:
		err = x.viewProfiles()
	case core.KindFollowUp:
		err = x.followUp()
	default:
		err = core.E(core.ErrInvalidSpecKind, "executor", fmt.Errorf("unknown kind %q", r.Job.Kind))
	}
	if err != nil && !errors.Is(err, errStop) {
		x.out.fail(core.KindOf(err), err)
	}
	if x.out.Terminal == "" && !x.out.Cancelled {
		if err := ctx.Err(); err != nil {
			x.out.fail(core.KindOf(err), err)
		}
	}
	return *x.out
}
