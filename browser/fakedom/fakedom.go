// Package fakedom is an in-memory browser.Driver that simulates the parts
// of linkedin.com the automation touches. Tests register page builders per
// URL prefix and script element behaviour with click and fill hooks.
package fakedom

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/snaplinked/browser"
)

// ErrClosed is returned by operations on a closed page or context.
var ErrClosed = errors.New("fakedom: closed")

const (
	authCookie = "li_at"
	loginURL   = browser.LoginURL
)

// Site is the simulated website shared by every browser the driver
// launches.
type Site struct {
	mu sync.Mutex

	// Email and Password are the credentials the login form accepts.
	Email    string
	Password string
	// Challenge makes a correct login land on a security checkpoint.
	Challenge bool
	// NavErr, when set, makes every Goto fail.
	NavErr error
	// LaunchErr, when set, makes Driver.Launch fail.
	LaunchErr error

	routes   map[string]func(*Page)
	token    string
	tokenGen int
	log      []string
	launches int
	logins   int
}

// NewSite returns a site accepting email/password.
func NewSite(email, password string) *Site {
	s := &Site{Email: email, Password: password, routes: make(map[string]func(*Page))}
	s.rotate()
	return s
}

// Handle registers build for every URL starting with prefix. The longest
// matching prefix wins. Authenticated pages always get the primary
// navigation before build runs.
func (s *Site) Handle(prefix string, build func(*Page)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[prefix] = build
}

// ExpireSessions invalidates every issued auth cookie. The next
// authenticated navigation lands on the login page.
func (s *Site) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate()
}

// ValidCookie returns a cookie that is currently authenticated.
func (s *Site) ValidCookie() browser.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return browser.Cookie{Name: authCookie, Value: s.token, Domain: ".www.linkedin.com", Path: "/", Secure: true, HTTPOnly: true}
}

func (s *Site) rotate() {
	s.tokenGen++
	s.token = fmt.Sprintf("tok-%d", s.tokenGen)
}

// Log returns the recorded interactions ("click <sel>", "fill <sel>=<v>",
// "goto <url>").
func (s *Site) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// Count returns how many log entries start with prefix.
func (s *Site) Count(prefix string) int {
	n := 0
	for _, l := range s.Log() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

// Launches returns how many browsers were launched.
func (s *Site) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Logins returns how many credential logins succeeded.
func (s *Site) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *Site) record(format string, args ...any) {
	s.mu.Lock()
	s.log = append(s.log, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *Site) route(url string) func(*Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.routes))
	for k := range s.routes {
		if strings.HasPrefix(url, k) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	return s.routes[keys[0]]
}

// Driver returns a browser.Driver backed by s.
func (s *Site) Driver() browser.Driver { return &driver{site: s} }

type driver struct{ site *Site }

func (d *driver) Launch(_ context.Context, _ browser.LaunchOptions) (browser.Browser, error) {
	d.site.mu.Lock()
	defer d.site.mu.Unlock()
	if d.site.LaunchErr != nil {
		return nil, d.site.LaunchErr
	}
	d.site.launches++
	return &fakeBrowser{site: d.site}, nil
}

type fakeBrowser struct {
	site   *Site
	closed bool
}

func (b *fakeBrowser) NewContext(_ context.Context, opts browser.ContextOptions) (browser.Context, error) {
	if b.closed {
		return nil, ErrClosed
	}
	c := &Context{site: b.site, Options: opts, cookies: map[string]browser.Cookie{}}
	for _, ck := range opts.Cookies {
		c.cookies[ck.Name] = ck
	}
	return c, nil
}

func (b *fakeBrowser) Close() error {
	b.closed = true
	return nil
}

// Context is a fake cookie jar.
type Context struct {
	site    *Site
	Options browser.ContextOptions

	mu      sync.Mutex
	cookies map[string]browser.Cookie
	pages   []*Page
	closed  bool
}

func (c *Context) NewPage(_ context.Context) (browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	p := &Page{ctx: c, site: c.site, url: "about:blank"}
	c.pages = append(c.pages, p)
	return p, nil
}

func (c *Context) Cookies(_ context.Context) ([]browser.Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]browser.Cookie, 0, len(c.cookies))
	for _, ck := range c.cookies {
		out = append(out, ck)
	}
	// Third-party noise the manager must not persist.
	out = append(out, browser.Cookie{Name: "tracker", Value: "x", Domain: ".doubleclick.net", Path: "/"})
	return out, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	pages := c.pages
	c.closed = true
	c.mu.Unlock()
	for _, p := range pages {
		p.Close()
	}
	return nil
}

func (c *Context) authenticated() bool {
	c.mu.Lock()
	ck, ok := c.cookies[authCookie]
	c.mu.Unlock()
	c.site.mu.Lock()
	defer c.site.mu.Unlock()
	return ok && ck.Value == c.site.token
}

func (c *Context) setAuth() {
	c.site.mu.Lock()
	tok := c.site.token
	c.site.logins++
	c.site.mu.Unlock()
	c.mu.Lock()
	c.cookies[authCookie] = browser.Cookie{Name: authCookie, Value: tok, Domain: ".www.linkedin.com", Path: "/", Secure: true, HTTPOnly: true}
	c.mu.Unlock()
}

// Page is a fake tab.
type Page struct {
	ctx  *Context
	site *Site

	mu     sync.Mutex
	url    string
	elems  []*Element
	body   []string
	closed bool
	// OnScroll runs after every Scroll, e.g. to load more posts.
	OnScroll func(p *Page)
}

// Add appends top-level elements and returns the first.
func (p *Page) Add(els ...*Element) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range els {
		e.attach(p)
		p.elems = append(p.elems, e)
	}
	if len(els) == 0 {
		return nil
	}
	return els[0]
}

// Remove detaches e.
func (p *Page) Remove(e *Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.elems {
		if x == e {
			p.elems = append(p.elems[:i], p.elems[i+1:]...)
			break
		}
	}
	e.detach()
}

// AddText adds free body text (for ContainsText).
func (p *Page) AddText(t string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.body = append(p.body, t)
}

// Redirect replaces the page content as if the site navigated to url.
func (p *Page) Redirect(url string) {
	p.load(url)
}

// Site returns the owning site.
func (p *Page) Site() *Site { return p.site }

func (p *Page) reset(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.elems {
		e.detach()
	}
	p.url = url
	p.elems = nil
	p.body = nil
	p.OnScroll = nil
}

func (p *Page) load(url string) {
	if isLoginPage(url) {
		p.reset(url)
		p.buildLogin()
		return
	}
	if !p.ctx.authenticated() {
		p.reset(loginURL + "?session_redirect=" + url)
		p.buildLogin()
		return
	}
	p.reset(url)
	p.Add(El(`nav[aria-label="Primary Navigation"]`, "#global-nav"))
	if build := p.site.route(url); build != nil {
		build(p)
	}
}

func isLoginPage(url string) bool {
	return strings.HasPrefix(url, loginURL) || strings.Contains(url, "/checkpoint")
}

func (p *Page) buildLogin() {
	user := El("#username")
	pass := El("#password")
	submit := El(`button[type="submit"]`).OnClick(func(p *Page, _ *Element) error {
		s := p.site
		s.mu.Lock()
		ok := user.Value() == s.Email && pass.Value() == s.Password
		challenge := s.Challenge
		s.mu.Unlock()
		switch {
		case ok && challenge:
			p.reset("https://www.linkedin.com/checkpoint/challenge/AgE")
			p.Add(El("#captcha-internal"))
			p.AddText("Verificação de segurança")
		case ok:
			p.ctx.setAuth()
			p.load(browser.FeedURL)
		default:
			p.Add(El("#error-for-password").WithText("Senha incorreta"))
		}
		return nil
	})
	p.Add(user, pass, submit)
}

func (p *Page) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	p.site.mu.Lock()
	navErr := p.site.NavErr
	p.site.mu.Unlock()
	if navErr != nil {
		return navErr
	}
	p.site.record("goto %s", url)
	p.load(url)
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) WaitFor(ctx context.Context, selector string, _ time.Duration) (browser.Element, error) {
	els, err := p.Query(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, browser.ErrElementNotFound
	}
	return els[0], nil
}

func (p *Page) Query(_ context.Context, selector string) ([]browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	var out []browser.Element
	for _, e := range p.elems {
		e.collect(splitSelector(selector), &out)
	}
	return out, nil
}

func (p *Page) FindByText(ctx context.Context, selector string, texts ...string) (browser.Element, error) {
	els, err := p.Query(ctx, selector)
	if err != nil {
		return nil, err
	}
	for _, el := range els {
		e := el.(*Element)
		for _, t := range texts {
			if strings.Contains(e.text, t) {
				return e, nil
			}
		}
	}
	return nil, browser.ErrElementNotFound
}

func (p *Page) ContainsText(_ context.Context, text string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.body {
		if strings.Contains(b, text) {
			return true, nil
		}
	}
	for _, e := range p.elems {
		if e.containsText(text) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Page) Scroll(_ context.Context, dy int) error {
	p.site.record("scroll %d", dy)
	p.mu.Lock()
	fn := p.OnScroll
	p.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether the page was closed.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func splitSelector(sel string) []string {
	parts := strings.Split(sel, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
