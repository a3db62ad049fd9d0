package browser

import (
	"context"
	"errors"
	"strings"
	"time"
)

// landing classifies where a navigation or login submit ended up.
type landing int

const (
	landingUnknown landing = iota
	landingReady
	landingLogin
	landingBadCredentials
	landingChallenge
)

func (l landing) String() string {
	switch l {
	case landingReady:
		return "ready"
	case landingLogin:
		return "login"
	case landingBadCredentials:
		return "bad_credentials"
	case landingChallenge:
		return "challenge"
	}
	return "unknown"
}

func isChallengeURL(u string) bool {
	u = strings.ToLower(u)
	return strings.Contains(u, "/checkpoint") || strings.Contains(u, "challenge")
}

func isLoginURL(u string) bool {
	u = strings.ToLower(u)
	return strings.Contains(u, "/login") || strings.Contains(u, "/authwall") || strings.Contains(u, "/uas/login")
}

// isAuthLostURL reports whether a page that should be authenticated was
// bounced to a login, authwall or checkpoint page.
func isAuthLostURL(u string) bool {
	return isLoginURL(u) || strings.Contains(strings.ToLower(u), "/checkpoint")
}

func has(ctx context.Context, p Page, sel string) bool {
	els, err := p.Query(ctx, sel)
	return err == nil && len(els) > 0
}

// classify waits up to timeout for any landing marker. A non-nil error is
// returned only when the page itself failed (not on a plain timeout).
func classify(ctx context.Context, p Page, timeout time.Duration) (landing, error) {
	_, err := p.WaitFor(ctx, landingSelector, timeout)
	if isChallengeURL(p.URL()) {
		return landingChallenge, nil
	}
	if err == nil {
		switch {
		case has(ctx, p, selPrimaryNav):
			return landingReady, nil
		case has(ctx, p, selChallenge):
			return landingChallenge, nil
		case has(ctx, p, selLoginError):
			return landingBadCredentials, nil
		case has(ctx, p, selLoginForm):
			return landingLogin, nil
		}
	}
	if ok, _ := p.ContainsText(ctx, challengeText); ok {
		return landingChallenge, nil
	}
	if err != nil && !errors.Is(err, ErrElementNotFound) {
		return landingUnknown, err
	}
	if isLoginURL(p.URL()) {
		return landingLogin, nil
	}
	return landingUnknown, nil
}
