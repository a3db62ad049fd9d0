package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/textgen"
)

func (x *runner) commentPosts() error {
	p, err := core.DecodeParams[core.CommentParams](x.r.Job.Params)
	if err != nil {
		return err
	}
	if x.r.Job.Kind == core.KindAIComment {
		p.UseAI = true
	}
	x.out.Target = p.TargetCount
	if err := x.openFeed(); err != nil {
		return err
	}
	commentable := func(p post) bool {
		_, err := browser.First(x.ctx, p.el, x.e.sel.CommentToggle)
		return err == nil
	}
	return x.eachPost(p.TargetCount, commentable, func(pp post) (map[string]any, error) {
		return x.comment(pp, p)
	})
}

// comment opens the composer of one post, writes and submits the text,
// then waits for it to appear in the thread. The whole attempt is bounded
// by the DOM timeout.
func (x *runner) comment(pp post, p core.CommentParams) (map[string]any, error) {
	body, source := x.commentText(pp, p)
	details := map[string]any{"text": body, "source": source}

	ctx, cancel := context.WithTimeout(x.ctx, x.e.timing.DOM)
	defer cancel()

	toggle, err := browser.First(ctx, pp.el, x.e.sel.CommentToggle)
	if err != nil {
		return details, domErr("executor: comment toggle", err)
	}
	if err := toggle.ScrollIntoView(ctx); err != nil {
		return details, domErr("executor: scroll into view", err)
	}
	if err := x.click(ctx, toggle); err != nil {
		return details, err
	}
	composer, err := x.waitWithin(ctx, pp.el, x.e.sel.Composer)
	if err != nil {
		return details, domErr("executor: composer", err)
	}
	if err := x.click(ctx, composer); err != nil {
		return details, err
	}
	if err := composer.Fill(ctx, body); err != nil {
		return details, domErr("executor: fill comment", err)
	}
	submit, err := x.waitWithin(ctx, pp.el, x.e.sel.CommentSubmit)
	if err != nil {
		return details, domErr("executor: comment submit", err)
	}
	if err := x.click(ctx, submit); err != nil {
		return details, err
	}
	if !x.commentVisible(ctx, pp.el, body) {
		if _, err := x.page.WaitFor(ctx, x.e.sel.CommentItem, x.e.timing.DOM); err != nil {
			return details, domErr("executor: comment ack", err)
		}
		if !x.commentVisible(ctx, pp.el, body) {
			return details, core.E(core.ErrDomDrift, "executor: comment", fmt.Errorf("comment not shown on %s", pp.urn))
		}
	}
	return details, nil
}

func (x *runner) commentVisible(ctx context.Context, scope browser.Element, body string) bool {
	items, err := scope.Query(ctx, x.e.sel.CommentItem)
	if err != nil {
		return false
	}
	probe := []rune(body)
	if len(probe) > 40 {
		probe = probe[:40]
	}
	for _, it := range items {
		if strings.Contains(text(ctx, it), string(probe)) {
			return true
		}
	}
	return false
}

// commentText picks the comment body: the text generator when AI is
// requested, a template otherwise or when generation fails.
func (x *runner) commentText(pp post, p core.CommentParams) (body, source string) {
	tone := textgen.ParseTone(p.Tone)
	if p.UseAI && x.e.gen != nil {
		html, _ := pp.el.HTML(x.ctx)
		ctx, cancel := context.WithTimeout(x.ctx, x.e.timing.TextGen)
		out, err := x.e.gen.Generate(ctx, textgen.Request{Context: textgen.Excerpt(html), Tone: tone})
		cancel()
		if err == nil && strings.TrimSpace(out) != "" {
			return out, "ai"
		}
		x.e.logger.Warn("executor: text generation failed, using template",
			"job_id", x.r.Job.ID, "error", err)
	}
	return textgen.Truncate(textgen.Pick(x.e.clock, p.Templates), 500), "template"
}
