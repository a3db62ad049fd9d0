package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RodDriver launches Chrome through Rod. Pages are created with the
// stealth plugin.
type RodDriver struct {
	Logger *slog.Logger
}

// NewRodDriver returns a Rod-backed Driver.
func NewRodDriver(logger *slog.Logger) *RodDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RodDriver{Logger: logger}
}

type rodBrowser struct {
	b      *rod.Browser
	lnch   *launcher.Launcher
	xvfb   *exec.Cmd
	block  []string
	logger *slog.Logger
	once   sync.Once
}

// Launch starts (or connects to) Chrome.
func (d *RodDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	log := d.Logger
	rb := &rodBrowser{block: opts.BlockResources, logger: log}

	if opts.Headful {
		if opts.XvfbDisplay == "" {
			opts.XvfbDisplay = ":99"
		}
		if err := rb.startXvfb(opts.XvfbDisplay); err != nil {
			return nil, fmt.Errorf("browser: xvfb: %w", err)
		}
	}

	wsURL := opts.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New()
		if opts.Bin != "" {
			l = l.Bin(opts.Bin)
		}
		if opts.Headful {
			l = l.Headless(false).Env("DISPLAY="+opts.XvfbDisplay)
		} else {
			l = l.Headless(true)
		}

		// Anti-detection flags.
		l = l.Set("disable-blink-features", "AutomationControlled").
			Set("no-sandbox").
			Set("disable-dev-shm-usage").
			Set("disable-gpu").
			Set("no-first-run")
		for k, v := range opts.Flags {
			if v == "" {
				l = l.Set(flagName(k))
			} else {
				l = l.Set(flagName(k), v)
			}
		}

		u, err := l.Context(ctx).Launch()
		if err != nil {
			rb.stopXvfb()
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		rb.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headful", opts.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		rb.cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	rb.b = b
	return rb, nil
}

func flagName(k string) flags.Flag {
	return flags.Flag(strings.TrimPrefix(k, "--"))
}

func (rb *rodBrowser) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	inc, err := rb.b.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("browser: incognito: %w", err)
	}
	if len(opts.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(opts.Cookies))
		for _, c := range opts.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				SameSite: proto.NetworkCookieSameSite(c.SameSite),
				Expires:  proto.TimeSinceEpoch(c.Expires),
			})
		}
		if err := inc.SetCookies(params); err != nil {
			inc.Close()
			return nil, fmt.Errorf("browser: restore cookies: %w", err)
		}
	}
	return &rodContext{b: inc, opts: opts, block: rb.block, logger: rb.logger}, nil
}

func (rb *rodBrowser) Close() error {
	rb.once.Do(rb.cleanup)
	return nil
}

func (rb *rodBrowser) cleanup() {
	if rb.b != nil {
		rb.b.Close()
		rb.b = nil
	}
	if rb.lnch != nil {
		rb.lnch.Cleanup()
		rb.lnch = nil
	}
	rb.stopXvfb()
}

func (rb *rodBrowser) startXvfb(display string) error {
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	rb.xvfb = cmd
	// Give Xvfb a moment to initialise.
	time.Sleep(500 * time.Millisecond)
	rb.logger.Info("browser: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

func (rb *rodBrowser) stopXvfb() {
	if rb.xvfb == nil {
		return
	}
	if rb.xvfb.Process != nil {
		rb.xvfb.Process.Kill()
		rb.xvfb.Wait()
	}
	rb.logger.Info("browser: xvfb stopped")
	rb.xvfb = nil
}

type rodContext struct {
	b      *rod.Browser
	opts   ContextOptions
	block  []string
	logger *slog.Logger
}

func (c *rodContext) NewPage(ctx context.Context) (Page, error) {
	page, err := stealth.Page(c.b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	if err := c.emulate(page); err != nil {
		page.Close()
		return nil, err
	}
	if len(c.block) > 0 {
		applyResourceBlocking(page, c.block)
	}
	return &rodPage{p: page}, nil
}

func (c *rodContext) emulate(page *rod.Page) error {
	o := c.opts
	if o.UserAgent != "" {
		err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      o.UserAgent,
			AcceptLanguage: o.Headers["Accept-Language"],
			Platform:       "Win32",
		})
		if err != nil {
			return fmt.Errorf("browser: user agent: %w", err)
		}
	}
	if o.Viewport.Width > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             o.Viewport.Width,
			Height:            o.Viewport.Height,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			return fmt.Errorf("browser: viewport: %w", err)
		}
	}
	if o.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: o.Timezone}).Call(page); err != nil {
			return fmt.Errorf("browser: timezone: %w", err)
		}
	}
	if o.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: o.Locale}).Call(page); err != nil {
			c.logger.Debug("browser: locale override refused", "locale", o.Locale, "error", err)
		}
	}
	if len(o.Headers) > 0 {
		kv := make([]string, 0, 2*len(o.Headers))
		for k, v := range o.Headers {
			kv = append(kv, k, v)
		}
		if _, err := page.SetExtraHeaders(kv); err != nil {
			return fmt.Errorf("browser: headers: %w", err)
		}
	}
	return nil
}

func (c *rodContext) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := c.b.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("browser: cookies: %w", err)
	}
	out := make([]Cookie, 0, len(raw))
	for _, rc := range raw {
		out = append(out, Cookie{
			Name:     rc.Name,
			Value:    rc.Value,
			Domain:   rc.Domain,
			Path:     rc.Path,
			Expires:  float64(rc.Expires),
			HTTPOnly: rc.HTTPOnly,
			Secure:   rc.Secure,
			SameSite: string(rc.SameSite),
		})
	}
	return out, nil
}

func (c *rodContext) Close() error { return c.b.Close() }

// applyResourceBlocking intercepts requests and fails the listed
// resource types (images, fonts, media, stylesheets).
func applyResourceBlocking(page *rod.Page, types []string) {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(blockSet, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	lower := strings.ToLower(resType)
	switch lower {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	}
	return blockSet[lower]
}

type rodPage struct {
	p *rod.Page
}

func (p *rodPage) Goto(ctx context.Context, url string) error {
	if err := p.p.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := p.p.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("browser: wait load %s: %w", url, err)
	}
	return nil
}

func (p *rodPage) URL() string {
	info, err := p.p.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) WaitFor(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	el, err := p.p.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrElementNotFound
		}
		return nil, err
	}
	return &rodElement{el: el.CancelTimeout()}, nil
}

func (p *rodPage) Query(ctx context.Context, selector string) ([]Element, error) {
	els, err := p.p.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	return wrapElements(els), nil
}

func (p *rodPage) FindByText(ctx context.Context, selector string, texts ...string) (Element, error) {
	quoted := make([]string, len(texts))
	for i, t := range texts {
		quoted[i] = regexp.QuoteMeta(t)
	}
	ok, el, err := p.p.Context(ctx).HasR(selector, strings.Join(quoted, "|"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrElementNotFound
	}
	return &rodElement{el: el}, nil
}

func (p *rodPage) ContainsText(ctx context.Context, text string) (bool, error) {
	ok, _, err := p.p.Context(ctx).HasR("body", regexp.QuoteMeta(text))
	return ok, err
}

func (p *rodPage) Scroll(ctx context.Context, dy int) error {
	return p.p.Context(ctx).Mouse.Scroll(0, float64(dy), 5)
}

func (p *rodPage) Close() error { return p.p.Close() }

type rodElement struct {
	el *rod.Element
}

func wrapElements(els rod.Elements) []Element {
	out := make([]Element, len(els))
	for i, el := range els {
		out[i] = &rodElement{el: el}
	}
	return out
}

func (e *rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) Fill(ctx context.Context, text string) error {
	el := e.el.Context(ctx)
	// contenteditable nodes refuse SelectAllText; Input still appends.
	_ = el.SelectAllText()
	return el.Input(text)
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e *rodElement) Attr(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *rodElement) HTML(ctx context.Context) (string, error) {
	return e.el.Context(ctx).HTML()
}

func (e *rodElement) ScrollIntoView(ctx context.Context) error {
	return e.el.Context(ctx).ScrollIntoView()
}

func (e *rodElement) Query(ctx context.Context, selector string) ([]Element, error) {
	els, err := e.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	return wrapElements(els), nil
}
