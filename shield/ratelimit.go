package shield

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/snaplinked/kit"
)

// RateLimit is a token bucket per client. Zero PerSecond disables limiting.
type RateLimit struct {
	PerSecond float64       `yaml:"per_second"`
	Burst     int           `yaml:"burst"`
	IdleTTL   time.Duration `yaml:"idle_ttl"`
}

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter throttles API calls per authenticated user, or per client IP
// for anonymous calls.
type RateLimiter struct {
	cfg RateLimit
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*client
	sweepAt time.Time
}

// NewRateLimiter creates a limiter. Burst defaults to ceil(PerSecond),
// IdleTTL to 10 minutes.
func NewRateLimiter(cfg RateLimit) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(math.Ceil(cfg.PerSecond)))
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{cfg: cfg, now: time.Now, clients: make(map[string]*client)}
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.cfg.PerSecond <= 0 {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.sweepAt) {
		for k, c := range rl.clients {
			if now.Sub(c.seen) > rl.cfg.IdleTTL {
				delete(rl.clients, k)
			}
		}
		rl.sweepAt = now.Add(rl.cfg.IdleTTL)
	}
	c, ok := rl.clients[key]
	if !ok {
		c = &client{lim: rate.NewLimiter(rate.Limit(rl.cfg.PerSecond), rl.cfg.Burst)}
		rl.clients[key] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

// Middleware answers 429 with a JSON body once a client's bucket is empty.
// It must run after authentication to key on the user.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := kit.GetUserID(r.Context())
		if key == "" {
			key = "ip:" + ExtractIP(r)
		}
		if rl.Allow(key) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("shield: rate limited", "client", key, "path", r.URL.Path)
		retry := max(1, int(math.Ceil(1/rl.cfg.PerSecond)))
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
