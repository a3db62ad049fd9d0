package fakedom

import (
	"context"
	"errors"
	"html"
	"strings"
	"sync"

	"github.com/hazyhaar/snaplinked/browser"
)

// ErrDetached is returned when an element was removed from its page.
var ErrDetached = errors.New("fakedom: node detached")

// Element is a fake DOM node. Selectors are matched verbatim: a node
// matches a query when one of its selectors equals one of the query's
// comma-separated parts.
type Element struct {
	mu       sync.Mutex
	sels     []string
	text     string
	value    string
	attrs    map[string]string
	children []*Element
	page     *Page
	detached bool
	clickErr error
	onClick  func(p *Page, e *Element) error
	onFill   func(p *Page, e *Element, text string)
}

// El builds a node matching sels.
func El(sels ...string) *Element {
	return &Element{sels: sels, attrs: map[string]string{}}
}

// WithText sets the node text.
func (e *Element) WithText(t string) *Element {
	e.mu.Lock()
	e.text = t
	e.mu.Unlock()
	return e
}

// WithAttr sets an attribute.
func (e *Element) WithAttr(k, v string) *Element {
	e.mu.Lock()
	e.attrs[k] = v
	e.mu.Unlock()
	return e
}

// Child appends children.
func (e *Element) Child(cs ...*Element) *Element {
	e.mu.Lock()
	e.children = append(e.children, cs...)
	p := e.page
	e.mu.Unlock()
	if p != nil {
		for _, c := range cs {
			c.attach(p)
		}
	}
	return e
}

// RemoveChild detaches c from e.
func (e *Element) RemoveChild(c *Element) {
	e.mu.Lock()
	for i, x := range e.children {
		if x == c {
			e.children = append(e.children[:i], e.children[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	c.detach()
}

// OnClick sets the click behaviour.
func (e *Element) OnClick(fn func(p *Page, e *Element) error) *Element {
	e.onClick = fn
	return e
}

// OnFill sets the fill behaviour.
func (e *Element) OnFill(fn func(p *Page, e *Element, text string)) *Element {
	e.onFill = fn
	return e
}

// FailClicks makes every click return err.
func (e *Element) FailClicks(err error) *Element {
	e.clickErr = err
	return e
}

// Value returns what was last filled in.
func (e *Element) Value() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// AttrValue returns an attribute.
func (e *Element) AttrValue(k string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attrs[k]
}

// Page returns the page e is attached to.
func (e *Element) Page() *Page { return e.page }

func (e *Element) attach(p *Page) {
	e.mu.Lock()
	e.page = p
	e.detached = false
	cs := e.children
	e.mu.Unlock()
	for _, c := range cs {
		c.attach(p)
	}
}

func (e *Element) detach() {
	e.mu.Lock()
	e.detached = true
	cs := e.children
	e.mu.Unlock()
	for _, c := range cs {
		c.detach()
	}
}

func (e *Element) matches(parts []string) bool {
	for _, s := range e.sels {
		for _, q := range parts {
			if s == q {
				return true
			}
		}
	}
	return false
}

func (e *Element) collect(parts []string, out *[]browser.Element) {
	e.mu.Lock()
	cs := e.children
	e.mu.Unlock()
	if e.matches(parts) {
		*out = append(*out, e)
	}
	for _, c := range cs {
		c.collect(parts, out)
	}
}

func (e *Element) containsText(t string) bool {
	e.mu.Lock()
	own := strings.Contains(e.text, t)
	cs := e.children
	e.mu.Unlock()
	if own {
		return true
	}
	for _, c := range cs {
		if c.containsText(t) {
			return true
		}
	}
	return false
}

func (e *Element) live() error {
	e.mu.Lock()
	detached, p := e.detached, e.page
	e.mu.Unlock()
	if detached || p == nil {
		return ErrDetached
	}
	if p.Closed() {
		return ErrClosed
	}
	return nil
}

func (e *Element) label() string {
	if len(e.sels) == 0 {
		return "?"
	}
	return e.sels[0]
}

func (e *Element) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.live(); err != nil {
		return err
	}
	e.page.site.record("click %s", e.label())
	if e.clickErr != nil {
		return e.clickErr
	}
	if e.onClick != nil {
		return e.onClick(e.page, e)
	}
	return nil
}

func (e *Element) Fill(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.live(); err != nil {
		return err
	}
	e.mu.Lock()
	e.value = text
	e.mu.Unlock()
	e.page.site.record("fill %s=%s", e.label(), text)
	if e.onFill != nil {
		e.onFill(e.page, e, text)
	}
	return nil
}

func (e *Element) Text(_ context.Context) (string, error) {
	if err := e.live(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text, nil
}

func (e *Element) Attr(_ context.Context, name string) (string, bool, error) {
	if err := e.live(); err != nil {
		return "", false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (e *Element) HTML(_ context.Context) (string, error) {
	if err := e.live(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.attrs["outerHTML"]; ok {
		return h, nil
	}
	return "<div>" + html.EscapeString(e.text) + "</div>", nil
}

func (e *Element) ScrollIntoView(_ context.Context) error {
	return e.live()
}

func (e *Element) Query(_ context.Context, selector string) ([]browser.Element, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	cs := e.children
	e.mu.Unlock()
	var out []browser.Element
	parts := splitSelector(selector)
	for _, c := range cs {
		c.collect(parts, &out)
	}
	return out, nil
}
