package browser

import "time"

// Profile is the fingerprint presented to LinkedIn. Keep it stable per
// user: changing it between sessions looks like a new device.
type Profile struct {
	UserAgent      string   `yaml:"user_agent"`
	Viewport       Viewport `yaml:"viewport"`
	Locale         string   `yaml:"locale"`
	Timezone       string   `yaml:"timezone"`
	AcceptLanguage string   `yaml:"accept_language"`
}

// DefaultProfile is a pt-BR desktop Chrome on Windows.
func DefaultProfile() Profile {
	return Profile{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Viewport:       Viewport{Width: 1366, Height: 768},
		Locale:         "pt-BR",
		Timezone:       "America/Sao_Paulo",
		AcceptLanguage: "pt-BR,pt;q=0.9,en;q=0.8",
	}
}

// Merge returns p with empty fields taken from def.
func (p Profile) Merge(def Profile) Profile {
	if p.UserAgent == "" {
		p.UserAgent = def.UserAgent
	}
	if p.Viewport.Width <= 0 || p.Viewport.Height <= 0 {
		p.Viewport = def.Viewport
	}
	if p.Locale == "" {
		p.Locale = def.Locale
	}
	if p.Timezone == "" {
		p.Timezone = def.Timezone
	}
	if p.AcceptLanguage == "" {
		p.AcceptLanguage = def.AcceptLanguage
	}
	return p
}

func (p Profile) contextOptions(cookies []Cookie) ContextOptions {
	return ContextOptions{
		Cookies:   cookies,
		UserAgent: p.UserAgent,
		Viewport:  p.Viewport,
		Locale:    p.Locale,
		Timezone:  p.Timezone,
		Headers:   map[string]string{"Accept-Language": p.AcceptLanguage},
	}
}

// LinkedIn endpoints and landing markers.
const (
	FeedURL  = "https://www.linkedin.com/feed/"
	LoginURL = "https://www.linkedin.com/login"

	selPrimaryNav   = `nav[aria-label="Primary Navigation"], #global-nav`
	selLoginForm    = `#username`
	selPassword     = `#password`
	selSubmit       = `button[type="submit"]`
	selLoginError   = `#error-for-password, #error-for-username`
	selChallenge    = `#captcha-internal, form#email-pin-challenge, #input__phone_verification_pin`
	challengeText   = "Verificação de segurança"
	landingSelector = selPrimaryNav + ", " + selLoginForm + ", " + selLoginError + ", " + selChallenge
)

// Default timeouts.
const (
	DefaultNavTimeout   = 30 * time.Second
	DefaultLoginTimeout = 30 * time.Second
	DefaultIdleTTL      = 30 * time.Minute
)
