package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-authgate/session-cli/authclient"
	"github.com/go-authgate/session-cli/pages"
	"github.com/go-authgate/session-cli/tui"
)

var defaultDashboardPaths = []string{"/api/expenses", "/api/subscriptions"}

func newStatusCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a session is active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, flags, func(_ context.Context, a *app) error {
				snap := a.sess.Tokens().Snapshot()
				a.display.SessionStatus(snap.Authenticated(), snap.PendingToken != "")

				status := "not authenticated"
				switch {
				case snap.Authenticated():
					status = "authenticated"
				case snap.PendingToken != "":
					status = "awaiting verification"
				}
				fmt.Fprintln(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func newLoginCmd(flags *cliFlags) *cobra.Command {
	var email, password, code string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with email and password",
		Long: `Log in with email and password.

Credentials come from --email/--password, then SESSION_CLI_EMAIL and
SESSION_CLI_PASSWORD, then one line each on stdin. Accounts that still need
verification stay pending until 'verify' (or --code) succeeds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := bufio.NewReader(cmd.InOrStdin())
			email, err := credential(in, email, "SESSION_CLI_EMAIL")
			if err != nil {
				return fmt.Errorf("email: %w", err)
			}
			password, err := credential(in, password, "SESSION_CLI_PASSWORD")
			if err != nil {
				return fmt.Errorf("password: %w", err)
			}

			return runApp(cmd, flags, func(ctx context.Context, a *app) error {
				a.display.LoggingIn(email)
				res, err := a.sess.Login(ctx, email, password)
				if err != nil {
					return err
				}
				if res.NeedsVerification() {
					a.display.VerificationRequired()
					if code == "" {
						a.display.SessionStatus(false, true)
						return nil
					}
					if err := a.pending.Verify(ctx, code); err != nil {
						return err
					}
				}
				a.display.SessionStatus(true, false)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().StringVar(&code, "code", "", "Verification code for unverified accounts")
	return cmd
}

// credential returns value, or the environment variable, or the next line of in.
func credential(in *bufio.Reader, value, envKey string) (string, error) {
	if value = getConfig(value, envKey, ""); value != "" {
		return value, nil
	}
	line, err := in.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err == nil || errors.Is(err, io.EOF) {
			return "", errors.New("value required")
		}
		return "", err
	}
	return line, nil
}

func newVerifyCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <code>",
		Short: "Verify a pending login",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, flags, func(ctx context.Context, a *app) error {
				if a.sess.Tokens().PendingToken() == "" {
					return errors.New("no login is awaiting verification")
				}
				if err := a.pending.Verify(ctx, args[0]); err != nil {
					return err
				}
				a.display.SessionStatus(true, false)
				return nil
			})
		},
	}
}

func newLogoutCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session on the server and locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, flags, func(ctx context.Context, a *app) error {
				err := a.client.SignOut(ctx)
				a.display.SessionStatus(false, false)
				return err
			})
		},
	}
}

func newGetCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Send an authenticated GET request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, flags, func(ctx context.Context, a *app) error {
				return a.request(ctx, cmd.OutOrStdout(), authclient.Request{
					Method: http.MethodGet,
					URL:    args[0],
				})
			})
		},
	}
}

func newPostCmd(flags *cliFlags) *cobra.Command {
	var (
		method string
		data   string
		fields []string
		files  []string
	)

	cmd := &cobra.Command{
		Use:   "post <path>",
		Short: "Send an authenticated mutating request",
		Long: `Send an authenticated mutating request.

--data sends a JSON body. --field and --file send multipart form data
instead; they cannot be combined with --data.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, closeFiles, err := requestBody(data, fields, files)
			if err != nil {
				return err
			}
			defer closeFiles()

			return runApp(cmd, flags, func(ctx context.Context, a *app) error {
				return a.request(ctx, cmd.OutOrStdout(), authclient.Request{
					Method: method,
					URL:    args[0],
					Body:   body,
				})
			})
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodPost, "HTTP method (POST, PUT, PATCH, DELETE)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().StringArrayVarP(&fields, "field", "F", nil, "Form field as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&files, "file", nil, "Form file as field=path (repeatable)")
	return cmd
}

// requestBody builds the body for the post command. The returned func closes
// any opened files.
func requestBody(data string, fields, files []string) (any, func(), error) {
	noop := func() {}
	if len(fields) == 0 && len(files) == 0 {
		if data == "" {
			return nil, noop, nil
		}
		if !json.Valid([]byte(data)) {
			return nil, noop, errors.New("--data is not valid JSON")
		}
		return json.RawMessage(data), noop, nil
	}
	if data != "" {
		return nil, noop, errors.New("--data cannot be combined with --field or --file")
	}

	form := &authclient.Form{Fields: make(map[string]string, len(fields))}
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, noop, fmt.Errorf("invalid --field %q: want key=value", f)
		}
		form.Fields[k] = v
	}

	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	for _, arg := range files {
		field, path, ok := strings.Cut(arg, "=")
		if !ok || field == "" || path == "" {
			closeAll()
			return nil, noop, fmt.Errorf("invalid --file %q: want field=path", arg)
		}
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, noop, fmt.Errorf("failed to open %s: %w", path, err)
		}
		opened = append(opened, f)
		form.Files = append(form.Files, authclient.File{
			Field:    field,
			Filename: filepath.Base(path),
			Content:  f,
		})
	}
	return form, closeAll, nil
}

// request sends r and copies the response body to out.
func (a *app) request(ctx context.Context, out io.Writer, r authclient.Request) error {
	resp, err := a.client.Do(ctx, r)
	if err != nil {
		return err
	}
	if resp == nil {
		return errNotAuthenticated
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	a.display.Response(resp.StatusCode, "")
	if len(body) > 0 {
		fmt.Fprintln(out, strings.TrimRight(string(body), "\n"))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("request failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

func newDashboardCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard [path...]",
		Short: "Load the first page of several collections at once",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				paths = defaultDashboardPaths
			}
			return runApp(cmd, flags, func(ctx context.Context, a *app) error {
				fetcher, err := pages.New(a.client)
				if err != nil {
					return err
				}
				defer fetcher.Close()

				results, err := fetcher.FetchAll(ctx, paths...)
				if errors.Is(err, pages.ErrNotReady) {
					return errNotAuthenticated
				}
				if err != nil {
					return err
				}

				cols := make([]tui.Collection, 0, len(results))
				for _, p := range results {
					cols = append(cols, tui.Collection{Path: p.Path, Shown: len(p.Items), Total: p.Total})
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%d\n", p.Path, len(p.Items), p.Total)
				}
				a.display.Collections(cols)
				return nil
			})
		},
	}
}
