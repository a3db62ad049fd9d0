package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/textgen"
)

// defaultFollowUpTargets bounds one generator run without max_targets.
const defaultFollowUpTargets = 50

// followUp runs the generator when no profile is set, the message
// otherwise.
func (x *runner) followUp() error {
	p, err := core.DecodeParams[core.FollowUpParams](x.r.Job.Params)
	if err != nil {
		return err
	}
	if p.ProfileURL != "" {
		return x.sendFollowUp(p)
	}
	return x.scanFollowUps(p)
}

// scanFollowUps reads the accepted connections, marks them in the store
// and enqueues one message job per connection invited at least DelayDays
// ago and never messaged.
func (x *runner) scanFollowUps(p core.FollowUpParams) error {
	if x.e.network == nil || x.r.Enqueue == nil {
		return core.E(core.ErrInternal, "executor: follow-up", errors.New("no connection store or enqueuer"))
	}
	accepted, err := x.acceptedConnections()
	if err != nil {
		return err
	}
	now := x.e.clock.Now()
	marked, err := x.e.network.MarkAccepted(x.ctx, x.r.Job.UserID, accepted, now)
	if err != nil {
		return core.E(core.ErrInternal, "executor: mark accepted", err)
	}

	limit := p.MaxTargets
	if limit <= 0 {
		limit = defaultFollowUpTargets
	}
	due, err := x.e.network.PendingFollowUps(x.ctx, x.r.Job.UserID,
		now.Add(-time.Duration(p.DelayDays)*24*time.Hour), limit)
	if err != nil {
		return core.E(core.ErrInternal, "executor: pending follow-ups", err)
	}
	x.out.Target = len(due)

	enqueued := 0
	for _, c := range due {
		if x.cancelled() {
			return errStop
		}
		started := x.e.clock.Now()
		params, _ := json.Marshal(core.FollowUpParams{
			DelayDays:  p.DelayDays,
			Template:   p.Template,
			ProfileURL: c.ProfileURL,
			Name:       c.Name,
		})
		id, err := x.r.Enqueue(x.ctx, core.JobSpec{Kind: core.KindFollowUp, Params: params,
			DedupeKey: "follow-up:" + c.ProfileURL})
		x.recordAs(core.ActionScan, c.ProfileURL, started, err, map[string]any{"job_id": id})
		if err != nil {
			x.e.logger.Warn("executor: enqueue follow-up", "job_id", x.r.Job.ID,
				"profile_url", c.ProfileURL, "error", err)
			continue
		}
		enqueued++
	}

	result := map[string]any{"accepted": len(accepted), "newly_accepted": marked, "enqueued": enqueued}
	if p.Repeat && !x.cancelled() {
		next := now.Add(24 * time.Hour)
		spec := core.JobSpec{Kind: core.KindFollowUp, Params: x.r.Job.Params, NotBefore: &next,
			DedupeKey: "follow-up-scan:" + x.r.Job.ID}
		if id, err := x.r.Enqueue(x.ctx, spec); err == nil {
			result["next_job_id"] = id
		} else {
			x.e.logger.Warn("executor: re-enqueue follow-up scan", "job_id", x.r.Job.ID, "error", err)
		}
	}
	x.out.Result = result
	// The generator reports progress in jobs created, not in actions.
	x.out.Succeeded = enqueued
	x.out.Attempted = len(due)
	return nil
}

// acceptedConnections lists profile URLs on the connections page.
func (x *runner) acceptedConnections() ([]string, error) {
	if err := x.page.Goto(x.ctx, x.e.sel.ConnectionsURL); err != nil {
		return nil, err
	}
	if _, err := x.page.WaitFor(x.ctx, x.e.sel.ConnectionCard, x.e.timing.DOM); err != nil {
		if errors.Is(err, browser.ErrElementNotFound) {
			return nil, nil
		}
		return nil, domErr("executor: connections", err)
	}
	cards, err := x.page.Query(x.ctx, x.e.sel.ConnectionCard)
	if err != nil {
		return nil, domErr("executor: connections", err)
	}
	var urls []string
	for _, card := range cards {
		link, err := browser.First(x.ctx, card, x.e.sel.CardLink)
		if err != nil {
			continue
		}
		if u := core.NormalizeProfileURL(absolute(attr(x.ctx, link, "href"))); u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

// sendFollowUp messages one member.
func (x *runner) sendFollowUp(p core.FollowUpParams) error {
	x.out.Target = 1
	if x.out.Succeeded >= 1 {
		return nil
	}
	if x.cancelled() {
		return errStop
	}
	if err := x.admit(); err != nil {
		return err
	}
	target := core.NormalizeProfileURL(p.ProfileURL)
	started := x.e.clock.Now()
	body, err := x.message(target, p)
	if errors.Is(err, errStop) {
		return err
	}
	x.record(target, started, err, map[string]any{"profile_url": target, "name": p.Name, "text": body})
	return x.afterItem(err)
}

func (x *runner) message(profileURL string, p core.FollowUpParams) (string, error) {
	if err := x.page.Goto(x.ctx, profileURL); err != nil {
		return "", err
	}
	shell, err := x.page.WaitFor(x.ctx, x.e.sel.ProfileShell, x.e.timing.DOM)
	if err != nil {
		return "", domErr("executor: profile shell", err)
	}
	name := p.Name
	if name == "" {
		name = strings.TrimSpace(text(x.ctx, shell))
	}
	body := textgen.Render(p.Template, name)

	ctx, cancel := context.WithTimeout(x.ctx, x.e.timing.DOM)
	defer cancel()
	btn, err := x.page.WaitFor(ctx, x.e.sel.MessageButton, x.e.timing.DOM)
	if err != nil {
		return body, domErr("executor: message button", err)
	}
	if err := x.click(ctx, btn); err != nil {
		return body, err
	}
	composer, err := x.page.WaitFor(ctx, x.e.sel.MessageComposer, x.e.timing.DOM)
	if err != nil {
		return body, domErr("executor: message composer", err)
	}
	if err := x.click(ctx, composer); err != nil {
		return body, err
	}
	if err := composer.Fill(ctx, body); err != nil {
		return body, domErr("executor: fill message", err)
	}
	send, err := x.page.WaitFor(ctx, x.e.sel.MessageSend, x.e.timing.DOM)
	if err != nil {
		return body, domErr("executor: message send", err)
	}
	if err := x.click(ctx, send); err != nil {
		return body, err
	}
	if ok, _ := x.page.ContainsText(ctx, firstRunes(body, 40)); !ok {
		return body, core.E(core.ErrDomDrift, "executor: message", fmt.Errorf("message not shown in thread"))
	}
	return body, nil
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}
