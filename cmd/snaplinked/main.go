// Command snaplinked runs the automation engine behind its HTTP API.
//
//	snaplinked [-config snaplinked.yaml]                   serve
//	snaplinked user -email ana@example.com [-name Ana]     create a user
//	snaplinked token -user usr_... [-role admin] [-ttl 24h] mint a bearer token
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/snaplinked/api"
	"github.com/hazyhaar/snaplinked/auth"
	"github.com/hazyhaar/snaplinked/config"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/dbopen"
	"github.com/hazyhaar/snaplinked/engine"
	"github.com/hazyhaar/snaplinked/observability"
	"github.com/hazyhaar/snaplinked/store"
)

func main() {
	// A missing .env is normal in production.
	_ = godotenv.Load()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("snaplinked", "error", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && (args[0] == "user" || args[0] == "token" || args[0] == "serve") {
		cmd, args = args[0], args[1:]
	}
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("SNAPLINKED_CONFIG"), "path to the YAML config")
	var (
		email, name  *string
		userID, role *string
		ttl          *time.Duration
	)
	switch cmd {
	case "user":
		email = fs.String("email", "", "email of the new user")
		name = fs.String("name", "", "display name")
	case "token":
		userID = fs.String("user", "", "user ID the token acts for")
		role = fs.String("role", "user", "user or admin")
		ttl = fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(os.Stderr, cfg.Logging.Level, "snaplinked")
	slog.SetDefault(logger)

	switch cmd {
	case "user":
		return createUser(cfg, *email, *name, out)
	case "token":
		return mintToken(cfg, *userID, *role, *ttl, out)
	}
	return serve(cfg, logger)
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.New(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer eng.Close()

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.New(eng, cfg, api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("snaplinked: listening", "addr", cfg.HTTP.Addr, "mcp", cfg.MCP.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		cancel()
	}
	logger.Info("snaplinked: shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("snaplinked: http shutdown", "error", serr)
	}
	if rerr := <-engineDone; rerr != nil && !errors.Is(rerr, context.Canceled) {
		err = errors.Join(err, rerr)
	}
	return err
}

func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := dbopen.Open(cfg.DB.Path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	st := store.New(db)
	if err := st.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func createUser(cfg *config.Config, email, name string, out io.Writer) error {
	if email == "" {
		return errors.New("user: -email is required")
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	u := &core.User{Email: email, DisplayName: name, IsActive: true, AutomationEnabled: true}
	if err := st.CreateUser(context.Background(), u, time.Now()); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, u.ID)
	return err
}

func mintToken(cfg *config.Config, userID, role string, ttl time.Duration, out io.Writer) error {
	if userID == "" {
		return errors.New("token: -user is required")
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	u, err := st.GetUser(context.Background(), userID)
	if err != nil {
		return fmt.Errorf("token: %s: %w", userID, err)
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	tok, err := auth.GenerateToken([]byte(cfg.Auth.JWTSecret), &auth.Claims{UserID: u.ID, Email: u.Email, Role: role}, ttl, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}
