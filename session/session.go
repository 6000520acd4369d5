// Package session owns the client-side authentication state: the token cell,
// the exchanges that obtain CSRF and access tokens, and the startup lifecycle
// that decides whether a previous session should be restored.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	retry "github.com/appleboy/go-httpretry"
	"github.com/go-authgate/session-cli/flight"
	"github.com/go-authgate/session-cli/store"
	"github.com/sirupsen/logrus"
)

// Header names carrying the session credentials.
const (
	HeaderAuthToken = "x-auth-token"
	HeaderCSRFToken = "x-csrf-token"
)

var (
	// ErrSessionEnded reports that the server refused the session's
	// credentials and the session has been logged out.
	ErrSessionEnded = errors.New("session ended by server")
	// ErrNoSession reports that there is no session to work with: no access
	// token, or a refresh that yielded none.
	ErrNoSession = errors.New("no active session")
	// ErrPendingEnded reports that the server refused the pending identity
	// and it has been cleared.
	ErrPendingEnded = errors.New("pending identity ended by server")
)

// Doer sends HTTP requests. *retry.Client satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Endpoints are the paths of the authentication API, relative to the base URL.
type Endpoints struct {
	CSRF    string `yaml:"csrf"`
	Refresh string `yaml:"refresh"`
	Login   string `yaml:"login"`
	Verify  string `yaml:"verify"`
	Logout  string `yaml:"logout"`
}

// DefaultEndpoints returns the standard endpoint paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		CSRF:    "/auth/csrf-token",
		Refresh: "/auth/refresh",
		Login:   "/auth/login",
		Verify:  "/auth/verify",
		Logout:  "/auth/logout",
	}
}

// withDefaults fills empty paths from DefaultEndpoints.
func (e Endpoints) withDefaults() Endpoints {
	d := DefaultEndpoints()
	if e.CSRF == "" {
		e.CSRF = d.CSRF
	}
	if e.Refresh == "" {
		e.Refresh = d.Refresh
	}
	if e.Login == "" {
		e.Login = d.Login
	}
	if e.Verify == "" {
		e.Verify = d.Verify
	}
	if e.Logout == "" {
		e.Logout = d.Logout
	}
	return e
}

// Config describes where the API lives.
type Config struct {
	BaseURL   string
	Endpoints Endpoints
}

// Option customizes a Session.
type Option func(*Session)

// WithDoer sets the HTTP transport. It must carry the cookie jar holding the
// refresh cookie.
func WithDoer(d Doer) Option {
	return func(s *Session) { s.doer = d }
}

// WithStore sets the durable store for the was-authenticated flag.
func WithStore(st store.Store) Option {
	return func(s *Session) { s.durable = st }
}

// WithNotifier sets the sink for user-visible session events.
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notify = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Session) { s.log = l }
}

// WithCoordinator shares a flight coordinator with other components.
func WithCoordinator(c *flight.Coordinator) Option {
	return func(s *Session) { s.flights = c }
}

// Session is the process-wide authentication state. Create one with New and
// pass it to every component that issues authenticated requests.
type Session struct {
	baseURL   string
	endpoints Endpoints

	tokens  *Tokens
	durable store.Store
	flights *flight.Coordinator
	doer    Doer
	notify  Notifier
	log     *logrus.Entry

	startOnce sync.Once
	state     atomic.Int32
	ready     chan struct{}

	hooksMu  sync.Mutex
	onLogout []func()
	// logouts counts Logout calls; exchanges started before one must not
	// revive the session.
	logouts atomic.Uint64
}

// New creates an uninitialized Session. Call Start before issuing
// authenticated requests.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return nil, err
	}

	s := &Session{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		endpoints: cfg.Endpoints.withDefaults(),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if s.durable == nil {
		s.durable = store.NewMemoryStore()
	}
	if s.flights == nil {
		s.flights = flight.New()
	}
	if s.notify == nil {
		s.notify = NopNotifier{}
	}
	if s.doer == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		s.doer, err = NewTransport(retry.NewClient, &http.Client{Jar: jar}, s.log)
		if err != nil {
			return nil, err
		}
	}

	s.tokens = NewTokens(s.durable, s.log)
	return s, nil
}

func validateBaseURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("base URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL scheme must be http or https, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("base URL must include a host")
	}
	return nil
}

// Tokens returns the session's token cell.
func (s *Session) Tokens() *Tokens { return s.tokens }

// Flights returns the coordinator deduplicating the session's exchanges.
func (s *Session) Flights() *flight.Coordinator { return s.flights }

// Doer returns the HTTP transport.
func (s *Session) Doer() Doer { return s.doer }

// Notifier returns the event sink.
func (s *Session) Notifier() Notifier { return s.notify }

// Logger returns the session logger.
func (s *Session) Logger() *logrus.Entry { return s.log }

// Endpoints returns the configured endpoint paths.
func (s *Session) Endpoints() Endpoints { return s.endpoints }

// URL resolves path against the base URL. Absolute URLs are returned as is.
func (s *Session) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return s.baseURL + "/" + strings.TrimLeft(path, "/")
}

// OnLogout registers fn to run on every Logout, e.g. to drop caches holding
// data of the departing identity.
func (s *Session) OnLogout(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onLogout = append(s.onLogout, fn)
}

// Logout tears the session down locally: access, CSRF and pending tokens, the
// durable flag and every registered cache. It makes no network call and is
// idempotent.
func (s *Session) Logout(reason string) {
	s.logouts.Add(1)
	cleared := s.tokens.reset()

	s.hooksMu.Lock()
	hooks := append([]func(){}, s.onLogout...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	if cleared {
		s.log.WithField("reason", reason).Info("session ended")
		s.notify.LoggedOut(reason)
	}
}

// ClearPending abandons the pending identity without touching the session.
func (s *Session) ClearPending(reason string) {
	if s.tokens.PendingToken() == "" {
		return
	}
	s.tokens.SetPendingToken("")
	s.log.WithField("reason", reason).Info("pending identity cleared")
	s.notify.PendingCleared(reason)
}

// endSessionFor logs out only if access is still the current access token.
// A failure observed with a token that has since been replaced says nothing
// about the new one.
func (s *Session) endSessionFor(access, reason string) {
	if s.tokens.AccessToken() != access {
		s.log.WithField("reason", reason).Debug("ignoring failure for a replaced access token")
		return
	}
	s.Logout(reason)
}

func (s *Session) clearPendingFor(pending, reason string) {
	if s.tokens.PendingToken() != pending {
		return
	}
	s.ClearPending(reason)
}
