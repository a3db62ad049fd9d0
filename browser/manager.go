package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/snaplinked/clock"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/vault"
)

var (
	// ErrSessionBusy is returned when the user's session is already leased.
	ErrSessionBusy = errors.New("browser: session already leased")
	// ErrManagerClosed is returned after Shutdown.
	ErrManagerClosed = errors.New("browser: manager is closed")
)

// StateStore persists session state, the sealed storage state and the
// per-day session counter.
type StateStore interface {
	SaveSessionState(ctx context.Context, userID string, state core.SessionState, lastErr string, now time.Time) error
	LoadStorageState(ctx context.Context, userID string) ([]byte, error)
	SaveStorageState(ctx context.Context, userID string, sealed []byte, now time.Time) error
	ClearStorageState(ctx context.Context, userID string) error
	IncrementSessions(ctx context.Context, userID string, now time.Time) error
}

// Sealer encrypts the storage state at rest.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// CredentialSource returns decrypted LinkedIn credentials.
type CredentialSource interface {
	Get(ctx context.Context, userID string) (vault.Credentials, error)
}

// StateChange describes one session transition.
type StateChange struct {
	UserID    string
	From, To  core.SessionState
	ErrorKind core.ErrorKind
	At        time.Time
}

// Config configures a Manager.
type Config struct {
	Launch  LaunchOptions `yaml:"launch"`
	Profile Profile       `yaml:"profile"`
	// IdleTTL closes Ready sessions unused for this long.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// LeaseTTL reclaims a lease held longer than this.
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	NavTimeout   time.Duration `yaml:"nav_timeout"`
	LoginTimeout time.Duration `yaml:"login_timeout"`
	// ReapInterval is how often Run checks for idle sessions.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

func (c *Config) defaults() {
	c.Profile = c.Profile.Merge(DefaultProfile())
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 35 * time.Minute
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = DefaultNavTimeout
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = DefaultLoginTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
}

// Manager owns one shared browser process and one isolated context per
// user. Acquire is single-flight per user.
type Manager struct {
	driver Driver
	cfg    Config
	store  StateStore
	sealer Sealer
	creds  CredentialSource
	clock  clock.Clock
	logger *slog.Logger

	profileFor func(userID string) Profile
	onChange   func(StateChange)

	sf singleflight.Group

	launchMu sync.Mutex
	browser  Browser

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	userID       string
	state        core.SessionState
	bctx         Context
	page         Page
	lastActivity time.Time
	leased       bool
	leasedAt     time.Time
	lastErr      string
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the manager configuration.
func WithConfig(c Config) Option { return func(m *Manager) { m.cfg = c } }

// WithClock sets the clock (default clock.New()).
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithStateHook registers fn to observe every session transition.
func WithStateHook(fn func(StateChange)) Option { return func(m *Manager) { m.onChange = fn } }

// WithProfiles overrides the browser profile per user. Empty fields of the
// returned profile fall back to the configured one.
func WithProfiles(fn func(userID string) Profile) Option {
	return func(m *Manager) { m.profileFor = fn }
}

// NewManager creates a Manager. Browsers are launched lazily.
func NewManager(driver Driver, st StateStore, sealer Sealer, creds CredentialSource, opts ...Option) *Manager {
	m := &Manager{
		driver:   driver,
		store:    st,
		sealer:   sealer,
		creds:    creds,
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg.defaults()
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Acquire returns a leased, Ready session for userID, booting and logging
// in when needed. Concurrent calls for the same user share one boot.
// Errors carry a core.ErrorKind (see core.KindOf).
func (m *Manager) Acquire(ctx context.Context, userID string) (*Handle, error) {
	if h, ok, err := m.leaseReady(userID); ok {
		return h, err
	}
	v, err, _ := m.sf.Do(userID, func() (any, error) {
		// Another caller may have finished a boot while we waited.
		m.mu.Lock()
		s := m.sessions[userID]
		m.mu.Unlock()
		if s != nil && s.state == core.SessionReady {
			return s, nil
		}
		return m.boot(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*session)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.state != core.SessionReady || m.sessions[userID] != s {
		return nil, core.E(core.ErrAuthLost, "browser: acquire", fmt.Errorf("session closed during boot"))
	}
	if s.leased {
		return nil, ErrSessionBusy
	}
	return m.leaseLocked(s), nil
}

// leaseReady leases an existing Ready session. ok is false when a boot
// is needed.
func (m *Manager) leaseReady(userID string) (h *Handle, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, true, ErrManagerClosed
	}
	s := m.sessions[userID]
	if s == nil || s.state != core.SessionReady {
		return nil, false, nil
	}
	if s.leased {
		return nil, true, ErrSessionBusy
	}
	return m.leaseLocked(s), true, nil
}

func (m *Manager) leaseLocked(s *session) *Handle {
	now := m.clock.Now()
	s.leased = true
	s.leasedAt = now
	s.lastActivity = now
	return &Handle{m: m, s: s}
}

// Release returns h to the pool. The session stays warm until IdleTTL.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.s.leased = false
	h.s.lastActivity = m.clock.Now()
}

// Status returns the state of userID's current session instance.
func (m *Manager) Status(userID string) core.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[userID]; s != nil {
		return s.state
	}
	return core.SessionUninitialized
}

// Close tears userID's session down. Idempotent.
func (m *Manager) Close(ctx context.Context, userID string) error {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	m.teardown(ctx, s, "", "closed")
	return nil
}

// Reap closes Ready sessions idle for IdleTTL and reclaims leases held
// longer than LeaseTTL. Returns how many sessions were closed.
func (m *Manager) Reap(ctx context.Context, now time.Time) int {
	var victims []*session
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.state != core.SessionReady {
			continue
		}
		switch {
		case s.leased && now.Sub(s.leasedAt) >= m.cfg.LeaseTTL:
			m.logger.Warn("browser: reclaiming stale lease", "user_id", s.userID,
				"held", now.Sub(s.leasedAt).String())
			victims = append(victims, s)
		case !s.leased && now.Sub(s.lastActivity) >= m.cfg.IdleTTL:
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		m.teardown(ctx, s, "", "idle")
	}
	return len(victims)
}

// Run reaps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(ctx, m.clock.Now()); n > 0 {
				m.logger.Info("browser: reaped idle sessions", "count", n)
			}
		}
	}
}

// Shutdown closes every session and the shared browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.teardown(ctx, s, "", "shutdown")
	}

	m.launchMu.Lock()
	defer m.launchMu.Unlock()
	if m.browser != nil {
		err := m.browser.Close()
		m.browser = nil
		return err
	}
	return nil
}

func (m *Manager) profile(userID string) Profile {
	if m.profileFor == nil {
		return m.cfg.Profile
	}
	return m.profileFor(userID).Merge(m.cfg.Profile)
}

func (m *Manager) ensureBrowser(ctx context.Context) (Browser, error) {
	m.launchMu.Lock()
	defer m.launchMu.Unlock()
	if m.browser != nil {
		return m.browser, nil
	}
	b, err := m.driver.Launch(ctx, m.cfg.Launch)
	if err != nil {
		return nil, err
	}
	m.browser = b
	return b, nil
}

// dropBrowser discards a browser that failed to create a context so the
// next boot relaunches it.
func (m *Manager) dropBrowser(b Browser) {
	m.launchMu.Lock()
	defer m.launchMu.Unlock()
	if m.browser == b {
		b.Close()
		m.browser = nil
	}
}

// boot runs Uninitialized→Booting→LoggingIn→Ready for a fresh session
// instance, replacing any previous one.
func (m *Manager) boot(ctx context.Context, userID string) (*session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	old := m.sessions[userID]
	s := &session{userID: userID, state: core.SessionUninitialized}
	m.sessions[userID] = s
	m.mu.Unlock()
	if old != nil {
		m.closeInstance(old)
	}

	m.transition(ctx, s, core.SessionBooting, "", "")

	b, err := m.ensureBrowser(ctx)
	if err != nil {
		return nil, m.fail(ctx, s, core.ErrNetwork, err)
	}

	cookies := m.loadCookies(ctx, userID)
	bctx, err := b.NewContext(ctx, m.profile(userID).contextOptions(cookies))
	if err != nil {
		m.dropBrowser(b)
		return nil, m.fail(ctx, s, core.ErrNetwork, err)
	}
	page, err := bctx.NewPage(ctx)
	if err != nil {
		bctx.Close()
		m.dropBrowser(b)
		return nil, m.fail(ctx, s, core.ErrNetwork, err)
	}
	m.mu.Lock()
	s.bctx, s.page = bctx, page
	m.mu.Unlock()

	m.transition(ctx, s, core.SessionLoggingIn, "", "")

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout)
	err = page.Goto(navCtx, FeedURL)
	cancel()
	if err != nil {
		return nil, m.fail(ctx, s, core.ErrNetwork, err)
	}

	land, err := classify(ctx, page, m.cfg.NavTimeout)
	if err != nil {
		return nil, m.fail(ctx, s, core.ErrNetwork, err)
	}
	loggedIn := false
	if land == landingLogin {
		land, err = m.login(ctx, s)
		if err != nil {
			return nil, m.fail(ctx, s, core.KindOf(err), err)
		}
		loggedIn = true
	}

	switch land {
	case landingReady:
	case landingChallenge:
		return nil, m.fail(ctx, s, core.ErrChallengeRequired, errors.New("security challenge"))
	case landingBadCredentials, landingLogin:
		return nil, m.fail(ctx, s, core.ErrInvalidCredentials, errors.New("login rejected"))
	default:
		return nil, m.fail(ctx, s, core.ErrNetwork, fmt.Errorf("no landing marker at %s", page.URL()))
	}

	now := m.clock.Now()
	m.persistCookies(ctx, s)
	if err := m.store.IncrementSessions(ctx, userID, now); err != nil {
		m.logger.Warn("browser: count session", "user_id", userID, "error", err)
	}
	m.transition(ctx, s, core.SessionReady, "", "")
	m.logger.Info("browser: session ready", "user_id", userID, "credential_login", loggedIn)
	return s, nil
}

// login submits the credential form and classifies the outcome.
func (m *Manager) login(ctx context.Context, s *session) (landing, error) {
	creds, err := m.creds.Get(ctx, s.userID)
	if err != nil {
		return landingUnknown, core.E(core.ErrInvalidCredentials, "browser: login", err)
	}
	if !creds.CanLogin() {
		// OAuth tokens cannot drive the web login form.
		return landingUnknown, core.E(core.ErrInvalidCredentials, "browser: login",
			fmt.Errorf("no password credentials (%s)", creds.Kind))
	}

	page := s.page
	if !has(ctx, page, selLoginForm) {
		navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout)
		err := page.Goto(navCtx, LoginURL)
		cancel()
		if err != nil {
			return landingUnknown, core.E(core.ErrNetwork, "browser: login", err)
		}
	}

	user, err := page.WaitFor(ctx, selLoginForm, 15*time.Second)
	if err != nil {
		return landingUnknown, core.E(core.ErrNetwork, "browser: login form", err)
	}
	pass, err := First(ctx, page, selPassword)
	if err != nil {
		return landingUnknown, core.E(core.ErrDomDrift, "browser: login form", err)
	}
	submit, err := First(ctx, page, selSubmit)
	if err != nil {
		return landingUnknown, core.E(core.ErrDomDrift, "browser: login form", err)
	}

	if err := m.pause(ctx); err != nil {
		return landingUnknown, err
	}
	if err := user.Fill(ctx, creds.Email); err != nil {
		return landingUnknown, core.E(core.ErrDomDrift, "browser: fill email", err)
	}
	if err := m.pause(ctx); err != nil {
		return landingUnknown, err
	}
	if err := pass.Fill(ctx, creds.Password); err != nil {
		return landingUnknown, core.E(core.ErrDomDrift, "browser: fill password", err)
	}
	if err := m.pause(ctx); err != nil {
		return landingUnknown, err
	}
	if err := submit.Click(ctx); err != nil {
		return landingUnknown, core.E(core.ErrDomDrift, "browser: submit", err)
	}

	// The form stays matchable until the post-submit navigation lands, so
	// keep polling until a decisive marker shows up or time runs out.
	deadline := m.clock.Now().Add(m.cfg.LoginTimeout)
	for {
		land, err := classify(ctx, page, 2*time.Second)
		if err != nil {
			return landingUnknown, core.E(core.ErrNetwork, "browser: login landing", err)
		}
		if land == landingReady || land == landingChallenge || land == landingBadCredentials {
			return land, nil
		}
		if !m.clock.Now().Before(deadline) {
			if land == landingLogin {
				return landingBadCredentials, nil
			}
			return landingUnknown, core.E(core.ErrNetwork, "browser: login landing", errors.New("timed out"))
		}
		if err := m.clock.Sleep(ctx, time.Second); err != nil {
			return landingUnknown, core.E(core.KindOf(err), "browser: login", err)
		}
	}
}

func (m *Manager) pause(ctx context.Context) error {
	if err := m.clock.Sleep(ctx, m.clock.Jitter(time.Second, 3*time.Second)); err != nil {
		return core.E(core.KindOf(err), "browser: login", err)
	}
	return nil
}

func (m *Manager) loadCookies(ctx context.Context, userID string) []Cookie {
	blob, err := m.store.LoadStorageState(ctx, userID)
	if err != nil || len(blob) == 0 {
		if err != nil {
			m.logger.Warn("browser: load storage state", "user_id", userID, "error", err)
		}
		return nil
	}
	raw, err := m.sealer.Open(blob, vault.StorageAAD(userID))
	if err != nil {
		m.logger.Warn("browser: storage state unreadable, starting fresh", "user_id", userID, "error", err)
		return nil
	}
	cs, err := decodeState(raw)
	if err != nil {
		m.logger.Warn("browser: storage state", "user_id", userID, "error", err)
		return nil
	}
	return siteCookies(cs, m.clock.Now())
}

func (m *Manager) persistCookies(ctx context.Context, s *session) {
	now := m.clock.Now()
	cs, err := s.bctx.Cookies(ctx)
	if err != nil {
		m.logger.Warn("browser: read cookies", "user_id", s.userID, "error", err)
		return
	}
	raw, err := encodeState(siteCookies(cs, now), now)
	if err != nil {
		return
	}
	sealed, err := m.sealer.Seal(raw, vault.StorageAAD(s.userID))
	if err != nil {
		m.logger.Warn("browser: seal storage state", "user_id", s.userID, "error", err)
		return
	}
	if err := m.store.SaveStorageState(ctx, s.userID, sealed, now); err != nil {
		m.logger.Warn("browser: save storage state", "user_id", s.userID, "error", err)
	}
}

// fail closes the instance's context and moves it to Failed, or to
// ChallengeRequired for a security challenge. Returns the typed error.
func (m *Manager) fail(ctx context.Context, s *session, kind core.ErrorKind, err error) error {
	m.closeInstance(s)
	to := core.SessionFailed
	if kind == core.ErrChallengeRequired {
		to = core.SessionChallengeRequired
	}
	m.transition(ctx, s, to, kind, err.Error())
	if to == core.SessionFailed {
		// Failed is transient: the instance is gone, the next Acquire boots anew.
		m.transition(ctx, s, core.SessionClosed, kind, err.Error())
	}
	m.logger.Warn("browser: session failed", "user_id", s.userID, "error_kind", kind, "error", err)
	return core.E(kind, "browser: acquire", err)
}

// authLost closes a session whose pages were bounced to the login wall.
// Persisted cookies are dropped so the next boot logs in again.
func (m *Manager) authLost(ctx context.Context, s *session) {
	if err := m.store.ClearStorageState(ctx, s.userID); err != nil {
		m.logger.Warn("browser: clear storage state", "user_id", s.userID, "error", err)
	}
	m.teardown(ctx, s, core.ErrAuthLost, "auth lost")
}

// teardown closes a session instance and moves it to Closed.
func (m *Manager) teardown(ctx context.Context, s *session, kind core.ErrorKind, reason string) {
	m.mu.Lock()
	if s.state == core.SessionClosed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.closeInstance(s)
	m.transition(ctx, s, core.SessionClosed, kind, reason)
}

func (m *Manager) closeInstance(s *session) {
	m.mu.Lock()
	bctx, page := s.bctx, s.page
	s.bctx, s.page = nil, nil
	s.leased = false
	m.mu.Unlock()
	if page != nil {
		page.Close()
	}
	if bctx != nil {
		bctx.Close()
	}
}

func (m *Manager) transition(ctx context.Context, s *session, to core.SessionState, kind core.ErrorKind, msg string) {
	now := m.clock.Now()
	m.mu.Lock()
	from := s.state
	s.state = to
	s.lastErr = msg
	s.lastActivity = now
	m.mu.Unlock()

	if err := m.store.SaveSessionState(context.WithoutCancel(ctx), s.userID, to, msg, now); err != nil {
		m.logger.Warn("browser: save session state", "user_id", s.userID, "error", err)
	}
	m.logger.Debug("browser: session transition", "user_id", s.userID, "from", from, "to", to)
	if m.onChange != nil {
		m.onChange(StateChange{UserID: s.userID, From: from, To: to, ErrorKind: kind, At: now})
	}
}
