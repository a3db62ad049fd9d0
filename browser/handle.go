package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/snaplinked/core"
)

// Handle is a time-bounded lease on a Ready session. It is not safe for
// concurrent use; one job drives it at a time.
type Handle struct {
	m        *Manager
	s        *session
	released bool
	lost     bool
}

// UserID returns the session owner.
func (h *Handle) UserID() string { return h.s.userID }

// Lost reports whether the session lost authentication during the lease.
func (h *Handle) Lost() bool { return h.lost }

// Page returns the session's main tab. Navigations that land on the login
// wall fail with an auth_lost core.Error and close the session.
func (h *Handle) Page() Page {
	h.m.mu.Lock()
	p := h.s.page
	h.m.mu.Unlock()
	return &guardedPage{h: h, p: p, main: true}
}

// NewTab opens an extra tab in the session's context. The caller closes it.
func (h *Handle) NewTab(ctx context.Context) (Page, error) {
	h.m.mu.Lock()
	bctx := h.s.bctx
	h.m.mu.Unlock()
	if bctx == nil || h.lost {
		return nil, core.E(core.ErrAuthLost, "browser: new tab", errors.New("session closed"))
	}
	p, err := bctx.NewPage(ctx)
	if err != nil {
		return nil, core.E(core.ErrNetwork, "browser: new tab", err)
	}
	return &guardedPage{h: h, p: p}, nil
}

func (h *Handle) touch() {
	h.m.mu.Lock()
	h.s.lastActivity = h.m.clock.Now()
	h.m.mu.Unlock()
}

func (h *Handle) markLost(ctx context.Context) {
	if h.lost {
		return
	}
	h.lost = true
	h.m.authLost(ctx, h.s)
}

// guardedPage classifies navigation failures and detects lost auth.
type guardedPage struct {
	h    *Handle
	p    Page
	main bool // the session's own tab, closed with the session
}

func (g *guardedPage) Goto(ctx context.Context, url string) error {
	if g.h.lost || g.p == nil {
		return core.E(core.ErrAuthLost, "browser: goto", errors.New("session closed"))
	}
	g.h.touch()
	navCtx, cancel := context.WithTimeout(ctx, g.h.m.cfg.NavTimeout)
	err := g.p.Goto(navCtx, url)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return core.E(core.KindOf(ctx.Err()), "browser: goto", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return core.E(core.ErrTimeout, "browser: goto", err)
		}
		return core.E(core.ErrNetwork, "browser: goto", err)
	}
	if landed := g.p.URL(); isAuthLostURL(landed) {
		g.h.markLost(ctx)
		return core.E(core.ErrAuthLost, "browser: goto", fmt.Errorf("redirected to %s", landed))
	}
	return nil
}

func (g *guardedPage) URL() string {
	if g.p == nil {
		return ""
	}
	return g.p.URL()
}

func (g *guardedPage) WaitFor(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	if g.h.lost || g.p == nil {
		return nil, core.E(core.ErrAuthLost, "browser: wait", errors.New("session closed"))
	}
	g.h.touch()
	el, err := g.p.WaitFor(ctx, selector, timeout)
	if errors.Is(err, ErrElementNotFound) && isAuthLostURL(g.p.URL()) {
		g.h.markLost(ctx)
		return nil, core.E(core.ErrAuthLost, "browser: wait", err)
	}
	return el, err
}

func (g *guardedPage) Query(ctx context.Context, selector string) ([]Element, error) {
	if g.h.lost || g.p == nil {
		return nil, core.E(core.ErrAuthLost, "browser: query", errors.New("session closed"))
	}
	return g.p.Query(ctx, selector)
}

func (g *guardedPage) FindByText(ctx context.Context, selector string, texts ...string) (Element, error) {
	if g.h.lost || g.p == nil {
		return nil, core.E(core.ErrAuthLost, "browser: find", errors.New("session closed"))
	}
	return g.p.FindByText(ctx, selector, texts...)
}

func (g *guardedPage) ContainsText(ctx context.Context, text string) (bool, error) {
	if g.h.lost || g.p == nil {
		return false, core.E(core.ErrAuthLost, "browser: text", errors.New("session closed"))
	}
	return g.p.ContainsText(ctx, text)
}

func (g *guardedPage) Scroll(ctx context.Context, dy int) error {
	if g.h.lost || g.p == nil {
		return core.E(core.ErrAuthLost, "browser: scroll", errors.New("session closed"))
	}
	g.h.touch()
	return g.p.Scroll(ctx, dy)
}

func (g *guardedPage) Close() error {
	if g.p == nil || g.main {
		return nil
	}
	return g.p.Close()
}
