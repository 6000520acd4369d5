package tui

import (
	"fmt"
	"io"
	"net/http"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/session-cli/session"
)

// Collection summarizes one loaded collection.
type Collection struct {
	Path  string
	Shown int
	Total int
}

// Displayer abstracts all user-visible output: session events plus the
// results of CLI commands.
type Displayer interface {
	session.Notifier

	Banner(serverURL string)
	LoggingIn(email string)
	VerificationRequired()
	SessionStatus(authenticated, pending bool)
	Response(status int, body string)
	Collections(cols []Collection)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner(serverURL string) {
	fmt.Fprintf(p.w, "=== Session CLI (%s) ===\n", serverURL)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) Initializing() {
	fmt.Fprintln(p.w, "Checking for a previous session...")
}

func (p *PlainDisplayer) SessionRestored() {
	fmt.Fprintln(p.w, "Previous session restored!")
}

func (p *PlainDisplayer) SessionAbsent() {
	fmt.Fprintln(p.w, "No previous session found.")
}

func (p *PlainDisplayer) RestoreFailed(err error) {
	fmt.Fprintf(p.w, "Could not restore previous session: %v\n", err)
}

func (p *PlainDisplayer) Ready() {}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) RequestRetrying(reason string) {
	fmt.Fprintf(p.w, "Retrying request (%s)...\n", reason)
}

func (p *PlainDisplayer) LoggedOut(reason string) {
	fmt.Fprintf(p.w, "Logged out: %s\n", reason)
}

func (p *PlainDisplayer) PendingCleared(reason string) {
	fmt.Fprintf(p.w, "Verification abandoned: %s\n", reason)
}

func (p *PlainDisplayer) LoggingIn(email string) {
	fmt.Fprintf(p.w, "Logging in as %s...\n", email)
}

func (p *PlainDisplayer) VerificationRequired() {
	fmt.Fprintln(p.w, "Account not verified yet. Run 'verify <code>' with the code you received.")
}

func (p *PlainDisplayer) SessionStatus(authenticated, pending bool) {
	switch {
	case authenticated:
		fmt.Fprintln(p.w, "Status: authenticated")
	case pending:
		fmt.Fprintln(p.w, "Status: awaiting verification")
	default:
		fmt.Fprintln(p.w, "Status: not authenticated")
	}
}

func (p *PlainDisplayer) Response(status int, body string) {
	fmt.Fprintf(p.w, "HTTP %d %s\n", status, http.StatusText(status))
	if body != "" {
		fmt.Fprintln(p.w, body)
	}
}

func (p *PlainDisplayer) Collections(cols []Collection) {
	for _, c := range cols {
		fmt.Fprintf(p.w, "%-30s %d of %d\n", c.Path, c.Shown, c.Total)
	}
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct {
	session.NopNotifier
}

func (NoopDisplayer) Banner(_ string)            {}
func (NoopDisplayer) LoggingIn(_ string)         {}
func (NoopDisplayer) VerificationRequired()      {}
func (NoopDisplayer) SessionStatus(_, _ bool)    {}
func (NoopDisplayer) Response(_ int, _ string)   {}
func (NoopDisplayer) Collections(_ []Collection) {}
func (NoopDisplayer) Fatal(_ error)              {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(serverURL string) {
	t.p.Send(MsgBanner{ServerURL: serverURL})
}

func (t *ProgramDisplayer) Initializing() {
	t.p.Send(MsgInitializing{})
}

func (t *ProgramDisplayer) SessionRestored() {
	t.p.Send(MsgSessionRestored{})
}

func (t *ProgramDisplayer) SessionAbsent() {
	t.p.Send(MsgSessionAbsent{})
}

func (t *ProgramDisplayer) RestoreFailed(err error) {
	t.p.Send(MsgRestoreFailed{Err: err})
}

func (t *ProgramDisplayer) Ready() {
	t.p.Send(MsgReady{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) RequestRetrying(reason string) {
	t.p.Send(MsgRequestRetrying{Reason: reason})
}

func (t *ProgramDisplayer) LoggedOut(reason string) {
	t.p.Send(MsgLoggedOut{Reason: reason})
}

func (t *ProgramDisplayer) PendingCleared(reason string) {
	t.p.Send(MsgPendingCleared{Reason: reason})
}

func (t *ProgramDisplayer) LoggingIn(email string) {
	t.p.Send(MsgLoggingIn{Email: email})
}

func (t *ProgramDisplayer) VerificationRequired() {
	t.p.Send(MsgVerificationRequired{})
}

func (t *ProgramDisplayer) SessionStatus(authenticated, pending bool) {
	t.p.Send(MsgSessionStatus{Authenticated: authenticated, Pending: pending})
}

func (t *ProgramDisplayer) Response(status int, body string) {
	t.p.Send(MsgResponse{Status: status, Body: body})
}

func (t *ProgramDisplayer) Collections(cols []Collection) {
	t.p.Send(MsgCollections{Collections: cols})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
