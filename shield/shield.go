// Package shield holds the HTTP middleware that fronts the API: security
// headers, body limits, request IDs and per-client rate limiting.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack() {
//	    r.Use(mw)
//	}
//	r.Use(auth.Middleware(secret, nil))
//	r.Use(shield.NewRateLimiter(shield.RateLimit{PerSecond: 5}).Middleware)
package shield

import "net/http"

// DefaultMaxBody caps JSON request bodies.
const DefaultMaxBody int64 = 64 << 10

// DefaultAPIStack returns the middleware applied ahead of authentication,
// in order: RequestID, SecurityHeaders, MaxBody.
func DefaultAPIStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		RequestID,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody),
	}
}
