package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/quota"
)

// errStop ends a run early without a terminal error: the job was
// cancelled or a quota window closed.
var errStop = errors.New("executor: stop")

// maxFailStreak consecutive item failures end the run as DOM drift.
const maxFailStreak = 5

// runner carries the state of one Execute call.
type runner struct {
	e      *Executor
	ctx    context.Context
	s      Session
	page   browser.Page
	r      Run
	out    *Outcome
	action core.Action

	item       int
	failStreak int
}

func (x *runner) cancelled() bool {
	if x.out.Cancelled {
		return true
	}
	if x.r.Cancelled != nil && x.r.Cancelled() {
		x.out.Cancelled = true
	}
	return x.out.Cancelled
}

// pause sleeps a jitter drawn from sp, checking the cancel flag on both
// sides of the sleep.
func (x *runner) pause(sp Span) error {
	if x.cancelled() {
		return errStop
	}
	if err := x.e.clock.Sleep(x.ctx, x.e.clock.Jitter(sp.Min, sp.Max)); err != nil {
		return core.E(core.KindOf(err), "executor: pause", err)
	}
	if x.cancelled() {
		return errStop
	}
	return nil
}

// click pauses then clicks el.
func (x *runner) click(ctx context.Context, el browser.Element) error {
	if err := x.pause(x.e.timing.BeforeClick); err != nil {
		return err
	}
	if err := el.Click(ctx); err != nil {
		return domErr("executor: click", err)
	}
	return nil
}

// scroll scrolls the main page one step and pauses.
func (x *runner) scroll() error {
	if err := x.page.Scroll(x.ctx, x.e.timing.ScrollStep); err != nil {
		return domErr("executor: scroll", err)
	}
	return x.pause(x.e.timing.AfterScroll)
}

// admit asks the gate for one more action. Short rate-limit waits are
// slept in place; any other denial stops the run and is reported in
// Outcome.Deny.
func (x *runner) admit() error {
	if x.r.Gate == nil {
		return nil
	}
	for i := 0; ; i++ {
		d, err := x.r.Gate.Before(x.ctx, x.action)
		if err != nil {
			return core.E(core.ErrInternal, "executor: quota check", err)
		}
		if d.Allowed() {
			return nil
		}
		if d.Verdict == quota.DenyRateLimited && d.RetryAfter > 0 &&
			d.RetryAfter <= x.e.timing.MaxRateWait && i < 10 {
			if x.cancelled() {
				return errStop
			}
			if err := x.e.clock.Sleep(x.ctx, d.RetryAfter); err != nil {
				return core.E(core.KindOf(err), "executor: quota wait", err)
			}
			continue
		}
		x.out.Stopped = d.Verdict.String() + ":" + d.Window
		x.out.Deny = &d
		x.e.logger.Info("executor: quota stop", "job_id", x.r.Job.ID, "user_id", x.r.Job.UserID,
			"verdict", d.Verdict.String(), "window", d.Window, "retry_after", d.RetryAfter.String())
		return errStop
	}
}

// record appends one log for the run's action.
func (x *runner) record(target string, started time.Time, err error, details map[string]any) {
	x.recordAs(x.action, target, started, err, details)
}

func (x *runner) recordAs(a core.Action, target string, started time.Time, err error, details map[string]any) {
	now := x.e.clock.Now()
	l := core.ActionLog{
		JobID:      x.r.Job.ID,
		UserID:     x.r.Job.UserID,
		Attempt:    x.r.Attempt,
		ItemIndex:  x.item,
		Action:     a,
		Target:     target,
		Success:    err == nil,
		DurationMS: now.Sub(started).Milliseconds(),
		CreatedAt:  now,
	}
	x.item++
	if err != nil {
		l.ErrorKind = domKind(err)
		if details == nil {
			details = map[string]any{}
		}
		details["error"] = truncate(err.Error(), 300)
	}
	if details != nil {
		if raw, mErr := json.Marshal(details); mErr == nil {
			l.Details = raw
		}
	}
	x.out.Logs = append(x.out.Logs, l)

	if a == core.ActionScan {
		return
	}
	x.out.Attempted++
	if err == nil {
		x.out.Succeeded++
		x.failStreak = 0
		if x.r.Gate != nil {
			x.r.Gate.Success(a)
		}
		if x.r.Progress != nil {
			x.r.Progress(x.out.Succeeded, x.out.Target)
		}
		return
	}
	x.failStreak++
	if x.r.Gate != nil {
		x.r.Gate.Failure(a, l.ErrorKind)
	}
	x.e.logger.Debug("executor: action failed", "job_id", x.r.Job.ID, "action", a,
		"target", target, "error_kind", l.ErrorKind, "error", err)
}

// afterItem applies the failure policy to an item result. A non-nil
// return ends the run.
func (x *runner) afterItem(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errStop) {
		return err
	}
	if ctxErr := x.ctx.Err(); ctxErr != nil {
		return core.E(core.KindOf(ctxErr), "executor", ctxErr)
	}
	if domKind(err).SessionFatal() {
		return err
	}
	if x.failStreak >= maxFailStreak {
		return core.E(core.ErrDomDrift, "executor",
			fmt.Errorf("%d consecutive failures, last: %w", x.failStreak, err))
	}
	return nil
}

// waitWithin returns the first match of sel inside scope, waiting on the
// page when it has not rendered yet. Waiting through the page also
// surfaces a lost session.
func (x *runner) waitWithin(ctx context.Context, scope browser.Element, sel string) (browser.Element, error) {
	if els, err := scope.Query(ctx, sel); err == nil && len(els) > 0 {
		return els[0], nil
	}
	if _, err := x.page.WaitFor(ctx, sel, x.e.timing.DOM); err != nil {
		return nil, err
	}
	els, err := scope.Query(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, browser.ErrElementNotFound
	}
	return els[0], nil
}

// findButton looks for a button labelled with one of labels, retrying
// briefly while a dialog animates in.
func (x *runner) findButton(ctx context.Context, page browser.Page, labels []string, tries int) (browser.Element, error) {
	for i := 0; ; i++ {
		el, err := page.FindByText(ctx, x.e.sel.Button, labels...)
		if err == nil {
			return el, nil
		}
		if !errors.Is(err, browser.ErrElementNotFound) || i+1 >= tries {
			return nil, err
		}
		if err := x.e.clock.Sleep(ctx, 500*time.Millisecond); err != nil {
			return nil, err
		}
	}
}

// domKind classifies an interaction failure. Typed errors keep their
// kind; anything else the page threw is DOM drift.
func domKind(err error) core.ErrorKind {
	var ce *core.Error
	switch {
	case errors.As(err, &ce):
		return ce.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return core.ErrTimeout
	case errors.Is(err, context.Canceled):
		return core.ErrCancelled
	}
	return core.ErrDomDrift
}

func domErr(op string, err error) error {
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	return core.E(domKind(err), op, err)
}

func attr(ctx context.Context, el browser.Element, name string) string {
	v, _, err := el.Attr(ctx, name)
	if err != nil {
		return ""
	}
	return v
}

func text(ctx context.Context, el browser.Element) string {
	t, err := el.Text(ctx)
	if err != nil {
		return ""
	}
	return t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
