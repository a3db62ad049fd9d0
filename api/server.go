// Package api serves the engine over HTTP: a chi router with CORS, bearer
// authentication, per-client rate limiting and, optionally, the MCP tools.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/snaplinked/auth"
	"github.com/hazyhaar/snaplinked/config"
	"github.com/hazyhaar/snaplinked/engine"
	"github.com/hazyhaar/snaplinked/shield"
)

// Version is reported by /healthz and the MCP implementation.
const Version = "1.0.0"

// Server is the HTTP surface.
type Server struct {
	eng    *engine.Engine
	cfg    config.Config
	secret []byte
	now    func() time.Time
	logger *slog.Logger
	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithNow sets the time source used for token checks and issuance.
func WithNow(fn func() time.Time) Option { return func(s *Server) { s.now = fn } }

// New builds the router.
func New(eng *engine.Engine, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		eng:    eng,
		cfg:    *cfg,
		secret: []byte(cfg.Auth.JWTSecret),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	for _, mw := range shield.DefaultAPIStack() {
		r.Use(mw)
	}
	if len(s.cfg.HTTP.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.HTTP.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", shield.RequestIDHeader},
			ExposedHeaders: []string{shield.RequestIDHeader, "Retry-After"},
			MaxAge:         300,
		}))
	}
	r.Use(auth.Middleware(s.secret, s.now))
	r.Use(shield.NewRateLimiter(s.cfg.HTTP.RateLimit).Middleware)

	r.Get("/healthz", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/jobs", s.enqueue)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{jobID}", s.getJob)
		r.Get("/jobs/{jobID}/logs", s.jobLogs)
		r.Post("/jobs/{jobID}/cancel", s.cancelJob)
		r.Delete("/jobs/{jobID}", s.cancelJob)

		r.Get("/usage", s.usage)
		r.Get("/stats", s.stats)
		r.Get("/dashboard", s.dashboard)
		r.Get("/reports/weekly", s.weeklyReport)

		r.Get("/session", s.sessionStatus)
		r.Delete("/session", s.closeSession)
		r.Put("/credentials", s.setCredentials)
		r.Delete("/credentials", s.deleteCredentials)
		r.Put("/automation", s.setAutomation)
		r.Put("/limits", s.setLimits)
		r.Get("/me", s.me)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Post("/users", s.createUser)
			r.Post("/users/{userID}/tokens", s.issueToken)
			r.Get("/audit", s.auditLog)
		})
	})

	if s.cfg.MCP.Enabled {
		srv := mcp.NewServer(&mcp.Implementation{Name: "snaplinked", Version: Version}, nil)
		s.eng.RegisterMCP(srv)
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
		r.With(auth.RequireAdmin).Handle(s.cfg.MCP.Path, h)
	}
	return r
}
