package tui

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the elapsed timer.
type tickMsg time.Time

// state represents the current phase of the session.
type state int

const (
	stateInit       state = iota
	stateRefreshing       // exchanging the refresh cookie
	stateReady            // startup decision made, command running
	stateDone             // command produced its result
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the session TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	serverURL string
	busySince time.Time
	elapsed   time.Duration

	authenticated bool
	pending       bool

	// Command results
	status      int
	body        string
	collections []Collection
	errMsg      string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleBodyBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("244")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.state != stateRefreshing {
			return m, nil
		}
		m.elapsed = time.Since(m.busySince)
		return m, tickAfterSecond()

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		m.serverURL = msg.ServerURL
		return m, nil

	case MsgInitializing:
		m.state = stateInit
		return m, nil

	case MsgSessionRestored:
		m.authenticated = true
		m.addStatus(statusOK, "Previous session restored")
		return m, nil

	case MsgSessionAbsent:
		m.addStatus(statusInfo, "No previous session")
		return m, nil

	case MsgRestoreFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Could not restore session: %v", msg.Err))
		return m, nil

	case MsgReady:
		if m.state == stateInit || m.state == stateRefreshing {
			m.state = stateReady
		}
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.busySince = time.Now()
		m.elapsed = 0
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, tickAfterSecond()

	case MsgRefreshOK:
		m.authenticated = true
		m.state = stateReady
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.state = stateReady
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgRequestRetrying:
		m.addStatus(statusWarn, "Retrying request: "+msg.Reason)
		return m, nil

	case MsgLoggedOut:
		m.authenticated = false
		m.pending = false
		m.addStatus(statusWarn, "Logged out: "+msg.Reason)
		return m, nil

	case MsgPendingCleared:
		m.pending = false
		m.addStatus(statusWarn, "Verification abandoned: "+msg.Reason)
		return m, nil

	// ── Command messages ─────────────────────────────────────────────────────

	case MsgLoggingIn:
		m.addStatus(statusInfo, "Logging in as "+msg.Email)
		return m, nil

	case MsgVerificationRequired:
		m.pending = true
		m.addStatus(statusWarn, "Account needs verification")
		return m, nil

	case MsgSessionStatus:
		m.authenticated = msg.Authenticated
		m.pending = msg.Pending
		m.state = stateDone
		return m, nil

	case MsgResponse:
		m.status = msg.Status
		m.body = msg.Body
		m.state = stateDone
		return m, nil

	case MsgCollections:
		m.collections = msg.Collections
		m.state = stateDone
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateDone:
		return tea.NewView(m.viewDone())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewTitle() string {
	title := "  Session CLI  "
	if m.serverURL != "" {
		title = "  Session CLI · " + m.serverURL + "  "
	}
	return "\n" + styleTitleBox.Render(title) + "\n\n"
}

// viewMain is shown while the session starts and the command runs.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString(m.viewTitle())

	switch m.state {
	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...  ")
		if m.elapsed > 0 {
			b.WriteString(styleDim.Render(formatDuration(m.elapsed)))
		}
		b.WriteString("\n")

	case stateReady:
		b.WriteString(m.spinner.View())
		b.WriteString(" Working...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewDone is shown once the command produced a result.
func (m Model) viewDone() string {
	var b strings.Builder

	b.WriteString(m.viewTitle())
	b.WriteString(styleBold.Render("Session: "))
	switch {
	case m.authenticated:
		b.WriteString(styleOK.Render("authenticated"))
	case m.pending:
		b.WriteString(styleWarn.Render("awaiting verification"))
	default:
		b.WriteString(styleDim.Render("not authenticated"))
	}
	b.WriteString("\n")

	if m.status != 0 {
		b.WriteString(styleBold.Render("Response: "))
		line := fmt.Sprintf("%d %s", m.status, http.StatusText(m.status))
		if m.status >= 200 && m.status < 300 {
			b.WriteString(styleOK.Render(line))
		} else {
			b.WriteString(styleWarn.Render(line))
		}
		b.WriteString("\n")
		if m.body != "" {
			b.WriteString(styleBodyBox.Render(m.body))
			b.WriteString("\n")
		}
	}

	if len(m.collections) > 0 {
		b.WriteString("\n")
		for _, c := range m.collections {
			b.WriteString(styleBold.Render(fmt.Sprintf("%-30s", c.Path)))
			b.WriteString(styleDim.Render(fmt.Sprintf(" %d of %d", c.Shown, c.Total)))
			b.WriteString("\n")
		}
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
