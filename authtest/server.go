// Package authtest provides an in-process API backend that speaks the session
// protocol: access tokens in x-auth-token, CSRF tokens in x-csrf-token, a
// cookie-backed refresh endpoint and the {error, data, messages} envelope.
package authtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/sjson"
)

// Default endpoint paths served by Server.
const (
	PathCSRF    = "/auth/csrf-token"
	PathRefresh = "/auth/refresh"
	PathLogin   = "/auth/login"
	PathVerify  = "/auth/verify"
	PathLogout  = "/auth/logout"

	RefreshCookie = "refresh_token"

	// Credentials accepted by the login endpoint.
	Email           = "user@example.com"
	UnverifiedEmail = "new@example.com"
	Password        = "correct horse"
	VerifyCode      = "123456"
)

// Call is one request received by the server.
type Call struct {
	Method    string
	Path      string
	AuthToken string
	CSRFToken string
	RequestID string
	Header    http.Header
	Body      []byte
}

// Server is a fake API backend. All methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	calls     []Call
	overrides map[string]http.HandlerFunc

	nextAccess  int
	nextCSRF    int
	nextPending int
	nextCookie  int

	access  map[string]bool   // valid access tokens
	csrf    map[string]string // access or pending token -> csrf token
	pending map[string]bool   // valid pending tokens
	cookies map[string]bool   // valid refresh cookies

	refreshOK     bool
	requireCookie bool
	rejectAPI     bool
}

// NewServer starts a Server. Close it when done.
func NewServer() *Server {
	s := &Server{
		overrides: make(map[string]http.HandlerFunc),
		access:    make(map[string]bool),
		csrf:      make(map[string]string),
		pending:   make(map[string]bool),
		cookies:   make(map[string]bool),
		refreshOK: true,
	}

	r := chi.NewRouter()
	r.Use(s.record, s.override)
	r.Get(PathCSRF, s.handleCSRF)
	r.Post(PathRefresh, s.handleRefresh)
	r.Post(PathLogin, s.handleLogin)
	r.Post(PathVerify, s.handleVerify)
	r.Post(PathLogout, s.handleLogout)
	r.HandleFunc("/api/*", s.handleAPI)

	s.Server = httptest.NewServer(r)
	return s
}

// Success builds a success envelope whose data holds the given key/value pairs.
func Success(kv ...string) []byte {
	body := `{"error":false,"data":{}}`
	for i := 0; i+1 < len(kv); i += 2 {
		body, _ = sjson.Set(body, "data."+kv[i], kv[i+1])
	}
	return []byte(body)
}

// Failure builds an error envelope carrying messages.
func Failure(messages ...string) []byte {
	if messages == nil {
		messages = []string{}
	}
	body, _ := sjson.Set(`{"error":true}`, "messages", messages)
	return []byte(body)
}

// WriteJSON writes body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// Handle replaces the handler for method and path until the server closes.
func (s *Server) Handle(method, path string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[method+" "+path] = h
}

// Calls returns every request received so far, in arrival order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many requests matched method and path.
func (s *Server) Count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

// CountPrefix returns how many requests had a path starting with prefix.
func (s *Server) CountPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.HasPrefix(c.Path, prefix) {
			n++
		}
	}
	return n
}

// IssueAccessToken mints a valid access token without going through login.
func (s *Server) IssueAccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintAccessLocked()
}

// IssueCSRFToken mints a CSRF token bound to token.
func (s *Server) IssueCSRFToken(token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintCSRFLocked(token)
}

// IssuePendingToken mints a valid pending-identity token.
func (s *Server) IssuePendingToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPending++
	tok := fmt.Sprintf("P%d", s.nextPending)
	s.pending[tok] = true
	return tok
}

// ExpireAccessTokens invalidates every issued access token.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok := range s.access {
		delete(s.csrf, tok)
	}
	s.access = make(map[string]bool)
}

// RotateCSRF invalidates every issued CSRF token.
func (s *Server) RotateCSRF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrf = make(map[string]string)
}

// SetRefreshOK controls whether the refresh endpoint issues tokens (true) or
// answers 401 (false).
func (s *Server) SetRefreshOK(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshOK = ok
}

// RequireRefreshCookie makes the refresh endpoint demand a cookie set by login.
func (s *Server) RequireRefreshCookie() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireCookie = true
}

// RejectAPI makes every /api request answer 401 regardless of the token.
func (s *Server) RejectAPI(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAPI = reject
}

func (s *Server) mintAccessLocked() string {
	s.nextAccess++
	tok := fmt.Sprintf("T%d", s.nextAccess)
	s.access[tok] = true
	return tok
}

func (s *Server) mintCSRFLocked(token string) string {
	s.nextCSRF++
	c := fmt.Sprintf("C%d", s.nextCSRF)
	s.csrf[token] = c
	return c
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method:    r.Method,
			Path:      r.URL.Path,
			AuthToken: r.Header.Get("x-auth-token"),
			CSRFToken: r.Header.Get("x-csrf-token"),
			RequestID: r.Header.Get("x-request-id"),
			Header:    r.Header.Clone(),
			Body:      body,
		})
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) override(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		h, ok := s.overrides[r.Method+" "+r.URL.Path]
		s.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	tok := r.Header.Get("x-auth-token")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.access[tok] && !s.pending[tok] {
		WriteJSON(w, http.StatusUnauthorized, Failure("unauthorized"))
		return
	}
	WriteJSON(w, http.StatusOK, Success("csrf_token", s.mintCSRFLocked(tok)))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.refreshOK {
		WriteJSON(w, http.StatusUnauthorized, Failure("refresh token expired"))
		return
	}
	if s.requireCookie {
		c, err := r.Cookie(RefreshCookie)
		if err != nil || !s.cookies[c.Value] {
			WriteJSON(w, http.StatusUnauthorized, Failure("missing refresh cookie"))
			return
		}
	}
	WriteJSON(w, http.StatusOK, Success("access_token", s.mintAccessLocked()))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		WriteJSON(w, http.StatusBadRequest, Failure("invalid body"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if creds.Password != Password {
		WriteJSON(w, http.StatusUnauthorized, Failure("invalid credentials"))
		return
	}
	switch creds.Email {
	case Email:
		s.nextCookie++
		cookie := fmt.Sprintf("R%d", s.nextCookie)
		s.cookies[cookie] = true
		http.SetCookie(w, &http.Cookie{
			Name:     RefreshCookie,
			Value:    cookie,
			Path:     "/",
			HttpOnly: true,
			MaxAge:   3600,
		})
		WriteJSON(w, http.StatusOK, Success("access_token", s.mintAccessLocked()))
	case UnverifiedEmail:
		s.nextPending++
		tok := fmt.Sprintf("P%d", s.nextPending)
		s.pending[tok] = true
		WriteJSON(w, http.StatusOK, Success("pending_token", tok))
	default:
		WriteJSON(w, http.StatusUnauthorized, Failure("invalid credentials"))
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	tok := r.Header.Get("x-auth-token")

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending[tok] {
		WriteJSON(w, http.StatusUnauthorized, Failure("verification session expired"))
		return
	}
	if want := s.csrf[tok]; want == "" || want != r.Header.Get("x-csrf-token") {
		WriteJSON(w, http.StatusForbidden, Failure("Invalid CSRF token"))
		return
	}
	if req.Code != VerifyCode {
		WriteJSON(w, http.StatusBadRequest, Failure("wrong verification code"))
		return
	}
	delete(s.pending, tok)
	delete(s.csrf, tok)
	WriteJSON(w, http.StatusOK, Success("access_token", s.mintAccessLocked()))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	tok := r.Header.Get("x-auth-token")

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.access, tok)
	delete(s.csrf, tok)
	if c, err := r.Cookie(RefreshCookie); err == nil {
		delete(s.cookies, c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: "", Path: "/", MaxAge: -1})
	WriteJSON(w, http.StatusOK, Success())
}

// handleAPI serves /api/*: reads echo the path, writes echo the body. Mutating
// requests need the CSRF token bound to the access token.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	tok := r.Header.Get("x-auth-token")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectAPI || !s.access[tok] {
		WriteJSON(w, http.StatusUnauthorized, Failure("unauthorized"))
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		body, _ := sjson.Set(string(Success()), "data.path", r.URL.Path)
		WriteJSON(w, http.StatusOK, []byte(body))
		return
	}

	if want := s.csrf[tok]; want == "" || want != r.Header.Get("x-csrf-token") {
		WriteJSON(w, http.StatusForbidden, Failure("Invalid CSRF token"))
		return
	}
	body, _ := sjson.Set(string(Success()), "data.method", r.Method)
	WriteJSON(w, http.StatusOK, []byte(body))
}
