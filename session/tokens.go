package session

import (
	"sync"

	"github.com/go-authgate/session-cli/store"
	"github.com/sirupsen/logrus"
)

// KeyWasAuthenticated is the durable flag recording that this profile once
// held a valid access token.
const KeyWasAuthenticated = "session.was_authenticated"

// Snapshot is a point-in-time copy of the token cell, delivered to subscribers.
type Snapshot struct {
	AccessToken      string
	CSRFToken        string
	PendingToken     string
	PendingCSRFToken string
}

// Authenticated reports whether the snapshot holds an access token.
func (s Snapshot) Authenticated() bool {
	return s.AccessToken != ""
}

// Tokens holds the in-memory credentials of a session. Reads are synchronous
// and always observe the latest write. The empty string means "no token".
type Tokens struct {
	// writeMu orders writers together with their durable side effects;
	// readers only take mu.
	writeMu sync.Mutex
	mu      sync.RWMutex

	access      string
	csrf        string
	pending     string
	pendingCSRF string

	durable store.Store
	log     *logrus.Entry

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Snapshot)
}

// NewTokens returns an empty token cell backed by durable for the
// was-authenticated flag.
func NewTokens(durable store.Store, log *logrus.Entry) *Tokens {
	if durable == nil {
		durable = store.NewMemoryStore()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tokens{
		durable: durable,
		log:     log,
		subs:    make(map[int]func(Snapshot)),
	}
}

func (t *Tokens) AccessToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.access
}

func (t *Tokens) CSRFToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.csrf
}

func (t *Tokens) PendingToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending
}

func (t *Tokens) PendingCSRFToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pendingCSRF
}

// Snapshot returns a copy of all tokens.
func (t *Tokens) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// SetAccessToken stores token. A non-empty token also sets the durable
// was-authenticated flag. Replacing the token drops the CSRF token derived
// from the previous one.
func (t *Tokens) SetAccessToken(token string) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	changed := t.access != token
	if changed {
		t.access = token
		t.csrf = ""
	}
	t.mu.Unlock()

	if token != "" {
		t.writeFlag(true)
	}
	if changed {
		t.publish()
	}
}

func (t *Tokens) SetCSRFToken(token string) {
	t.set(&t.csrf, token)
}

// SetPendingToken stores the pending-identity token. Replacing it drops the
// pending CSRF token.
func (t *Tokens) SetPendingToken(token string) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	changed := t.pending != token
	if changed {
		t.pending = token
		t.pendingCSRF = ""
	}
	t.mu.Unlock()

	if changed {
		t.publish()
	}
}

func (t *Tokens) SetPendingCSRFToken(token string) {
	t.set(&t.pendingCSRF, token)
}

// WasAuthenticated reads the durable flag. Read failures count as false.
func (t *Tokens) WasAuthenticated() bool {
	var flag bool
	if _, err := t.durable.Get(KeyWasAuthenticated, &flag); err != nil {
		t.log.WithError(err).Warn("failed to read session flag")
		return false
	}
	return flag
}

// ForgetAuthenticated clears the durable flag without touching the tokens.
func (t *Tokens) ForgetAuthenticated() {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.writeFlag(false)
}

// Subscribe registers fn to receive a Snapshot after every change. fn runs on
// the writer's goroutine, must not block and must not write tokens. The
// returned func unsubscribes.
func (t *Tokens) Subscribe(fn func(Snapshot)) (cancel func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

// csrfFor returns the cached CSRF token if access is still the current
// access token.
func (t *Tokens) csrfFor(access string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.access != access {
		return ""
	}
	return t.csrf
}

// setCSRFFor stores csrf only while access is still current, so a slow fetch
// for a replaced token cannot overwrite a newer one.
func (t *Tokens) setCSRFFor(access, csrf string) bool {
	return t.setIf(&t.access, access, &t.csrf, csrf)
}

func (t *Tokens) setPendingCSRFFor(pending, csrf string) bool {
	return t.setIf(&t.pending, pending, &t.pendingCSRF, csrf)
}

// reset clears every token and the durable flag. It reports whether any
// token was set.
func (t *Tokens) reset() bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	had := t.access != "" || t.csrf != "" || t.pending != "" || t.pendingCSRF != ""
	t.access, t.csrf, t.pending, t.pendingCSRF = "", "", "", ""
	t.mu.Unlock()

	if err := t.durable.Delete(KeyWasAuthenticated); err != nil {
		t.log.WithError(err).Warn("failed to clear session flag")
	}
	if had {
		t.publish()
	}
	return had
}

func (t *Tokens) set(field *string, value string) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	changed := *field != value
	*field = value
	t.mu.Unlock()

	if changed {
		t.publish()
	}
}

func (t *Tokens) setIf(guard *string, want string, field *string, value string) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	if *guard != want {
		t.mu.Unlock()
		return false
	}
	changed := *field != value
	*field = value
	t.mu.Unlock()

	if changed {
		t.publish()
	}
	return true
}

func (t *Tokens) writeFlag(v bool) {
	var err error
	if v {
		err = t.durable.Set(KeyWasAuthenticated, true)
	} else {
		err = t.durable.Delete(KeyWasAuthenticated)
	}
	if err != nil {
		t.log.WithError(err).Warn("failed to write session flag")
	}
}

func (t *Tokens) snapshotLocked() Snapshot {
	return Snapshot{
		AccessToken:      t.access,
		CSRFToken:        t.csrf,
		PendingToken:     t.pending,
		PendingCSRFToken: t.pendingCSRF,
	}
}

// publish delivers the current snapshot to subscribers. Callers hold writeMu
// but not mu.
func (t *Tokens) publish() {
	snap := t.Snapshot()

	t.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
