package executor

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/core"
)

// member is one people-search result.
type member struct {
	el         browser.Element
	profileURL string
	name       string
}

// searchPeople opens the first result page for keywords. An empty page is
// not an error.
func (x *runner) searchPeople(keywords string) ([]member, error) {
	target := x.e.sel.SearchURL + url.QueryEscape(keywords) + "&origin=GLOBAL_SEARCH_HEADER"
	if err := x.page.Goto(x.ctx, target); err != nil {
		return nil, err
	}
	if _, err := x.page.WaitFor(x.ctx, x.e.sel.SearchResult, x.e.timing.DOM); err != nil {
		if errors.Is(err, browser.ErrElementNotFound) {
			return nil, nil
		}
		return nil, domErr("executor: search", err)
	}
	els, err := x.page.Query(x.ctx, x.e.sel.SearchResult)
	if err != nil {
		return nil, domErr("executor: search results", err)
	}
	out := make([]member, 0, len(els))
	for _, el := range els {
		m := member{el: el}
		if link, err := browser.First(x.ctx, el, x.e.sel.ResultLink); err == nil {
			m.profileURL = core.NormalizeProfileURL(absolute(attr(x.ctx, link, "href")))
		}
		if n, err := browser.First(x.ctx, el, x.e.sel.ResultName); err == nil {
			m.name = strings.TrimSpace(text(x.ctx, n))
		}
		out = append(out, m)
	}
	return out, nil
}

func absolute(href string) string {
	if strings.HasPrefix(href, "/") {
		return "https://www.linkedin.com" + href
	}
	return href
}

func (x *runner) sendConnections() error {
	p, err := core.DecodeParams[core.ConnectParams](x.r.Job.Params)
	if err != nil {
		return err
	}
	x.out.Target = p.TargetCount
	members, err := x.searchPeople(p.Keywords)
	if err != nil {
		return err
	}
	skipped := 0
	defer func() { x.out.Result = map[string]any{"results": len(members), "skipped": skipped} }()

	for _, m := range members {
		if x.out.Succeeded >= p.TargetCount {
			break
		}
		if x.cancelled() {
			return errStop
		}
		btn, err := browser.First(x.ctx, m.el, x.e.sel.ConnectButton)
		if err != nil {
			// Already connected, pending, or only "Follow"/"Message".
			skipped++
			continue
		}
		if err := x.admit(); err != nil {
			return err
		}
		started := x.e.clock.Now()
		err = x.connect(m, btn, p.Note)
		if errors.Is(err, errStop) {
			return err
		}
		x.record(m.profileURL, started, err, map[string]any{
			"profile_url": m.profileURL, "name": m.name, "note": p.Note != "",
		})
		if err := x.afterItem(err); err != nil {
			return err
		}
		if x.out.Succeeded < p.TargetCount {
			if err := x.pause(x.e.timing.Between); err != nil {
				return err
			}
		}
	}
	return nil
}

// connect clicks a result's invite button, optionally adds the note and
// sends the invitation.
func (x *runner) connect(m member, btn browser.Element, note string) error {
	ctx, cancel := context.WithTimeout(x.ctx, x.e.timing.DOM)
	defer cancel()

	if err := btn.ScrollIntoView(ctx); err != nil {
		return domErr("executor: scroll into view", err)
	}
	if err := x.click(ctx, btn); err != nil {
		return err
	}
	if note != "" {
		if add, err := x.findButton(ctx, x.page, x.e.sel.AddNote, 3); err == nil {
			if err := x.click(ctx, add); err != nil {
				return err
			}
			area, err := x.page.WaitFor(ctx, x.e.sel.NoteTextarea, x.e.timing.DOM)
			if err != nil {
				return domErr("executor: note", err)
			}
			if err := area.Fill(ctx, note); err != nil {
				return domErr("executor: fill note", err)
			}
		}
	}
	send, err := x.findButton(ctx, x.page, x.e.sel.Send, 3)
	if err != nil {
		return domErr("executor: send invitation", err)
	}
	if err := x.click(ctx, send); err != nil {
		return err
	}
	if dismiss, err := x.findButton(ctx, x.page, x.e.sel.Dismiss, 1); err == nil {
		if err := x.click(ctx, dismiss); err != nil && !errors.Is(err, errStop) {
			x.e.logger.Debug("executor: dismiss modal", "error", err)
		}
	}
	return nil
}

func (x *runner) viewProfiles() error {
	p, err := core.DecodeParams[core.ViewParams](x.r.Job.Params)
	if err != nil {
		return err
	}
	x.out.Target = p.TargetCount
	members, err := x.searchPeople(p.Keywords)
	if err != nil {
		return err
	}
	for _, m := range members {
		if x.out.Succeeded >= p.TargetCount {
			break
		}
		if x.cancelled() {
			return errStop
		}
		if m.profileURL == "" {
			continue
		}
		if err := x.admit(); err != nil {
			return err
		}
		started := x.e.clock.Now()
		err := x.view(m)
		if errors.Is(err, errStop) {
			return err
		}
		x.record(m.profileURL, started, err, map[string]any{"profile_url": m.profileURL, "name": m.name})
		if err := x.afterItem(err); err != nil {
			return err
		}
		if x.out.Succeeded < p.TargetCount {
			if err := x.pause(x.e.timing.Between); err != nil {
				return err
			}
		}
	}
	return nil
}

// view opens a profile in a background tab and waits for its shell.
func (x *runner) view(m member) error {
	if err := x.pause(x.e.timing.BeforeClick); err != nil {
		return err
	}
	tab, err := x.s.NewTab(x.ctx)
	if err != nil {
		return err
	}
	defer tab.Close()
	if err := tab.Goto(x.ctx, m.profileURL); err != nil {
		return err
	}
	if _, err := tab.WaitFor(x.ctx, x.e.sel.ProfileShell, x.e.timing.Profile); err != nil {
		return domErr("executor: profile shell", err)
	}
	return nil
}
