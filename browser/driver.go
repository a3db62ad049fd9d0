// Package browser owns the per-user headless browser sessions.
//
// Driver, Browser, Context, Page and Element abstract the browser engine.
// The production implementation is Rod with the stealth plugin (rod.go);
// tests use browser/fakedom. Manager drives the per-user session state
// machine on top of a Driver and is the only component that issues DOM
// commands; executors script through the Page a Handle hands out.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrElementNotFound is returned by WaitFor when the selector did not
// match before the timeout, and by FindByText when nothing matched.
var ErrElementNotFound = errors.New("browser: element not found")

// LaunchOptions configures the shared browser process.
type LaunchOptions struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local one.
	RemoteURL string `yaml:"remote_url"`
	// Headful runs Chrome with a window on an Xvfb display.
	Headful bool `yaml:"headful"`
	// XvfbDisplay for headful mode. Default ":99".
	XvfbDisplay string `yaml:"xvfb_display"`
	// Bin overrides the Chrome binary path.
	Bin string `yaml:"bin"`
	// Flags are extra Chrome command-line switches, without the leading "--".
	Flags map[string]string `yaml:"flags"`
	// BlockResources lists resource types never fetched (images, fonts,
	// media, stylesheets).
	BlockResources []string `yaml:"block_resources"`
}

// Viewport is the emulated window size.
type Viewport struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Cookie is a browser cookie as persisted in the storage state.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // Unix seconds, 0 = session cookie
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

// ContextOptions configures an isolated browsing context.
type ContextOptions struct {
	Cookies   []Cookie
	UserAgent string
	Viewport  Viewport
	Locale    string
	Timezone  string
	// Headers are sent with every request, e.g. Accept-Language.
	Headers map[string]string
}

// Driver launches browsers.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is a running browser process.
type Browser interface {
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	Close() error
}

// Context is an isolated cookie jar with its own pages.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	Close() error
}

// Page is one tab.
type Page interface {
	Goto(ctx context.Context, url string) error
	URL() string
	// WaitFor waits up to timeout for selector to match.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	// Query returns the elements currently matching selector.
	Query(ctx context.Context, selector string) ([]Element, error)
	// FindByText returns the first element matching selector whose text
	// contains one of texts.
	FindByText(ctx context.Context, selector string, texts ...string) (Element, error)
	// ContainsText reports whether the page body contains text.
	ContainsText(ctx context.Context, text string) (bool, error)
	// Scroll scrolls the viewport down by dy pixels.
	Scroll(ctx context.Context, dy int) error
	Close() error
}

// Element is a DOM element handle.
type Element interface {
	Click(ctx context.Context) error
	Fill(ctx context.Context, text string) error
	Text(ctx context.Context) (string, error)
	Attr(ctx context.Context, name string) (string, bool, error)
	HTML(ctx context.Context) (string, error)
	ScrollIntoView(ctx context.Context) error
	Query(ctx context.Context, selector string) ([]Element, error)
}

// First returns the first element matching selector, or
// ErrElementNotFound.
func First(ctx context.Context, q interface {
	Query(context.Context, string) ([]Element, error)
}, selector string) (Element, error) {
	els, err := q.Query(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, ErrElementNotFound
	}
	return els[0], nil
}
