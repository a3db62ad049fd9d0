package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/core"
)

// post is a feed update with a stable identifier.
type post struct {
	urn string
	el  browser.Element
}

// openFeed navigates to the feed and waits for the first update.
func (x *runner) openFeed() error {
	if err := x.page.Goto(x.ctx, x.e.sel.FeedURL); err != nil {
		return err
	}
	if _, err := x.page.WaitFor(x.ctx, x.e.sel.Post, x.e.timing.DOM); err != nil {
		if errors.Is(err, browser.ErrElementNotFound) {
			return core.E(core.ErrDomDrift, "executor: feed", err)
		}
		return domErr("executor: feed", err)
	}
	return nil
}

// nextPost returns the first rendered post not in seen for which ok
// returns true. Posts rejected by ok are added to seen.
func (x *runner) nextPost(seen map[string]bool, ok func(p post) bool) (post, bool, error) {
	els, err := x.page.Query(x.ctx, x.e.sel.Post)
	if err != nil {
		return post{}, false, domErr("executor: posts", err)
	}
	for _, el := range els {
		urn := attr(x.ctx, el, "data-urn")
		if urn == "" || seen[urn] {
			continue
		}
		p := post{urn: urn, el: el}
		if !ok(p) {
			seen[urn] = true
			continue
		}
		return p, true, nil
	}
	return post{}, false, nil
}

// eachPost drives the shared feed loop: pick an eligible post, act on it,
// scroll when none is left, within a budget of 3·target steps.
func (x *runner) eachPost(target int, eligible func(p post) bool, act func(p post) (map[string]any, error)) error {
	seen := map[string]bool{}
	budget := 3 * target
	for steps := 0; x.out.Succeeded < target && steps < budget; steps++ {
		if x.cancelled() {
			return errStop
		}
		p, found, err := x.nextPost(seen, eligible)
		if err != nil {
			return err
		}
		if !found {
			if err := x.scroll(); err != nil {
				return err
			}
			continue
		}
		seen[p.urn] = true

		if err := x.admit(); err != nil {
			return err
		}
		started := x.e.clock.Now()
		details, err := act(p)
		if errors.Is(err, errStop) {
			return err
		}
		x.record(p.urn, started, err, details)
		if err := x.afterItem(err); err != nil {
			return err
		}
		if x.out.Succeeded < target {
			if err := x.pause(x.e.timing.Between); err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *runner) likePosts() error {
	p, err := core.DecodeParams[core.LikeParams](x.r.Job.Params)
	if err != nil {
		return err
	}
	x.out.Target = p.TargetCount
	if err := x.openFeed(); err != nil {
		return err
	}
	unliked := func(p post) bool {
		btn, err := browser.First(x.ctx, p.el, x.e.sel.LikeButton)
		return err == nil && attr(x.ctx, btn, "aria-pressed") != "true"
	}
	return x.eachPost(p.TargetCount, unliked, x.like)
}

// like clicks a post's like button and confirms it reads as pressed.
func (x *runner) like(p post) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(x.ctx, x.e.timing.DOM)
	defer cancel()

	btn, err := browser.First(ctx, p.el, x.e.sel.LikeButton)
	if err != nil {
		return nil, domErr("executor: like button", err)
	}
	if err := btn.ScrollIntoView(ctx); err != nil {
		return nil, domErr("executor: scroll into view", err)
	}
	if err := x.click(ctx, btn); err != nil {
		return nil, err
	}
	if !x.confirm(ctx, p.el, x.e.sel.LikeButton, "aria-pressed", "true") {
		return nil, core.E(core.ErrDomDrift, "executor: like", fmt.Errorf("like not registered on %s", p.urn))
	}
	return nil, nil
}

// confirm re-reads the affordance inside scope until attribute name has
// value want, polling a few times while the UI settles.
func (x *runner) confirm(ctx context.Context, scope browser.Element, sel, name, want string) bool {
	for i := 0; i < 3; i++ {
		if el, err := browser.First(ctx, scope, sel); err == nil && attr(ctx, el, name) == want {
			return true
		}
		if err := x.e.clock.Sleep(ctx, 500*time.Millisecond); err != nil {
			return false
		}
	}
	return false
}
