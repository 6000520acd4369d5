package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/session-cli/authclient"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/store"
	"github.com/go-authgate/session-cli/tui"
)

// keyPending carries an unverified login from `login` to `verify`.
const keyPending = "cli.pending_token"

// Timeout configuration for the startup restore.
const startupTimeout = 30 * time.Second

// errNotAuthenticated is returned by commands that need a session.
var errNotAuthenticated = errors.New("not logged in: run 'session-cli login' first")

// app wires one CLI invocation.
type app struct {
	cfg     *Config
	display tui.Displayer
	log     *logrus.Entry
	durable *store.FileStore
	sess    *session.Session
	client  *authclient.Client
	pending *authclient.PendingClient

	closeLog func()
}

// newApp builds the session stack for cfg. Nothing touches the network yet.
func newApp(cfg *Config, d tui.Displayer, console io.Writer) (*app, error) {
	logger, closeLog, err := setupLogger(cfg, console)
	if err != nil {
		return nil, err
	}
	log := logrus.NewEntry(logger)

	durable, err := store.NewFileStore(cfg.StateFile)
	if err != nil {
		closeLog()
		return nil, err
	}

	jar, err := newPersistentJar(durable, refreshURL(cfg), log)
	if err != nil {
		closeLog()
		return nil, err
	}

	// Initialize HTTP client with retry support
	baseHTTPClient := &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
	transport, err := session.NewTransport(retry.NewBackgroundClient, baseHTTPClient, log)
	if err != nil {
		closeLog()
		return nil, err
	}

	sess, err := session.New(
		session.Config{BaseURL: cfg.ServerURL, Endpoints: cfg.Endpoints},
		session.WithDoer(transport),
		session.WithStore(durable),
		session.WithNotifier(d),
		session.WithLogger(log),
	)
	if err != nil {
		closeLog()
		return nil, err
	}

	sess.OnLogout(jar.Clear)

	a := &app{
		cfg:      cfg,
		display:  d,
		log:      log,
		durable:  durable,
		sess:     sess,
		client:   authclient.New(sess),
		pending:  authclient.NewPending(sess),
		closeLog: closeLog,
	}
	a.restorePending()
	return a, nil
}

// refreshURL is the URL the refresh cookie is sent to.
func refreshURL(cfg *Config) string {
	path := cfg.Endpoints.Refresh
	if path == "" {
		path = session.DefaultEndpoints().Refresh
	}
	return strings.TrimRight(cfg.ServerURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// restorePending reloads an unverified login and keeps the saved copy in
// step with the session.
func (a *app) restorePending() {
	var pending string
	if _, err := a.durable.Get(keyPending, &pending); err != nil {
		a.log.WithError(err).Warn("ignoring unreadable pending login")
	}
	if pending != "" {
		a.sess.Tokens().SetPendingToken(pending)
	}

	last := pending
	a.sess.Tokens().Subscribe(func(s session.Snapshot) {
		if s.PendingToken == last {
			return
		}
		last = s.PendingToken
		var err error
		if s.PendingToken == "" {
			err = a.durable.Delete(keyPending)
		} else {
			err = a.durable.Set(keyPending, s.PendingToken)
		}
		if err != nil {
			a.log.WithError(err).Warn("failed to save pending login")
		}
	})
}

// start runs the startup restore and waits until the session is ready.
func (a *app) start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	go a.sess.Start(ctx)
	return a.sess.WaitReady(ctx)
}

func (a *app) close() {
	a.closeLog()
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// withDisplay runs fn with the TUI when stderr is a terminal and plain text
// output otherwise. console is where logs may go without corrupting the TUI.
func withDisplay(
	cmd *cobra.Command,
	flags *cliFlags,
	serverURL string,
	fn func(d tui.Displayer, console io.Writer) error,
) error {
	if flags.noTUI || !isTTY() {
		d := tui.NewPlainDisplayer(cmd.ErrOrStderr())
		d.Banner(serverURL)
		err := fn(d, cmd.ErrOrStderr())
		if err != nil {
			d.Fatal(err)
		}
		return err
	}

	// Run TUI program on stderr so stdout pipes are not corrupted
	m := tui.NewModel()
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	d.Banner(serverURL)
	err := fn(d, nil)
	if err != nil {
		d.Fatal(err)
	}
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return err
}

// runApp loads the configuration, builds the app, starts the session and
// hands it to fn.
func runApp(cmd *cobra.Command, flags *cliFlags, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(*flags)
	if err != nil {
		return err
	}
	warnPlaintext(cmd.ErrOrStderr(), cfg.ServerURL)

	return withDisplay(cmd, flags, cfg.ServerURL, func(d tui.Displayer, console io.Writer) error {
		a, err := newApp(cfg, d, console)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.start(cmd.Context()); err != nil {
			return fmt.Errorf("session did not become ready: %w", err)
		}
		return fn(cmd.Context(), a)
	})
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	rootCmd := &cobra.Command{
		Use:   "session-cli",
		Short: "Session CLI - authenticated client for the expense API",
		Long: `Session CLI - authenticated client for the expense API

Keeps a login alive across runs through the server's refresh cookie and
signs every request with the current access and CSRF tokens.

Settings can be provided via:
  1. CLI flags (--server-url, --state-file, ...) - highest priority
  2. Environment variables (SERVER_URL, STATE_FILE, LOG_FILE, LOG_LEVEL)
  3. Configuration file (~/.session-cli/config.yaml)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "Path to configuration file")
	pf.StringVar(&flags.serverURL, "server-url", "", "API server URL (default: http://localhost:8080 or SERVER_URL env)")
	pf.StringVar(&flags.stateFile, "state-file", "", "Session state file (default: ~/.session-cli/state.json or STATE_FILE env)")
	pf.StringVar(&flags.logFile, "log-file", "", "Write logs to this rotating file")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVar(&flags.noTUI, "no-tui", false, "Plain text output even on a terminal")

	rootCmd.AddCommand(
		newStatusCmd(flags),
		newLoginCmd(flags),
		newVerifyCmd(flags),
		newLogoutCmd(flags),
		newGetCmd(flags),
		newPostCmd(flags),
		newDashboardCmd(flags),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
