package tui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/session-cli/session"
)

var (
	_ Displayer        = (*PlainDisplayer)(nil)
	_ Displayer        = NoopDisplayer{}
	_ Displayer        = (*ProgramDisplayer)(nil)
	_ session.Notifier = NoopDisplayer{}
)

func TestPlainDisplayer(t *testing.T) {
	var buf bytes.Buffer
	d := NewPlainDisplayer(&buf)

	d.Banner("https://api.example.com")
	d.Initializing()
	d.RestoreFailed(errors.New("refresh rejected"))
	d.SessionStatus(false, true)
	d.Response(403, `{"error":true}`)
	d.Collections([]Collection{{Path: "/api/expenses", Shown: 20, Total: 45}})
	d.Fatal(errors.New("boom"))

	out := buf.String()
	for _, want := range []string{
		"=== Session CLI (https://api.example.com) ===",
		"Checking for a previous session...",
		"Could not restore previous session: refresh rejected",
		"Status: awaiting verification",
		"HTTP 403 Forbidden",
		`{"error":true}`,
		"20 of 45",
		"Error: boom",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func update(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModel_SessionFlow(t *testing.T) {
	m := update(t, NewModel(),
		MsgBanner{ServerURL: "http://localhost:8080"},
		MsgInitializing{},
		MsgRefreshing{},
	)
	if m.state != stateRefreshing {
		t.Fatalf("state = %v, want refreshing", m.state)
	}

	m = update(t, m, MsgRefreshOK{}, MsgReady{})
	if m.state != stateReady || !m.authenticated {
		t.Fatalf("state = %v authenticated = %v", m.state, m.authenticated)
	}

	m = update(t, m, MsgResponse{Status: 200, Body: `{"ok":true}`})
	if m.state != stateDone {
		t.Fatalf("state = %v, want done", m.state)
	}
	if view := m.viewDone(); !strings.Contains(view, "200 OK") || !strings.Contains(view, "authenticated") {
		t.Errorf("unexpected done view:\n%s", view)
	}
}

func TestModel_LoggedOutClearsIdentity(t *testing.T) {
	m := update(t, NewModel(),
		MsgSessionStatus{Authenticated: true, Pending: true},
		MsgLoggedOut{Reason: "refresh rejected"},
	)
	if m.authenticated || m.pending {
		t.Fatal("logout must clear both identities")
	}
	if len(m.statusLines) != 1 || m.statusLines[0].kind != statusWarn {
		t.Fatalf("status lines = %+v", m.statusLines)
	}
}

func TestModel_Fatal(t *testing.T) {
	m := update(t, NewModel(), MsgFatal{Err: errors.New("server unreachable")})
	if m.state != stateError {
		t.Fatalf("state = %v, want error", m.state)
	}
	if !strings.Contains(m.viewError(), "server unreachable") {
		t.Error("error view must show the error")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{1400 * time.Millisecond, "1s"},
		{75 * time.Second, "1m 15s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
