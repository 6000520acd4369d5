package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-authgate/session-cli/envelope"
	"github.com/go-authgate/session-cli/flight"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Timeouts for the token exchanges. The coordinator has none of its own.
const (
	csrfFetchTimeout = 10 * time.Second
	refreshTimeout   = 10 * time.Second
	loginTimeout     = 15 * time.Second
)

// LoginResult is the outcome of a successful login: either a full session or
// a pending identity that still has to be verified.
type LoginResult struct {
	AccessToken  string
	PendingToken string
}

// NeedsVerification reports whether the account must be verified first.
func (r LoginResult) NeedsVerification() bool {
	return r.AccessToken == "" && r.PendingToken != ""
}

// CSRFToken returns a CSRF token bound to accessToken. Unless forceNew is
// set, a cached token for the current access token is returned without a
// network call. Concurrent fetches for the same access token share one
// request, forced or not.
//
// A non-2xx answer logs the session out and returns ErrSessionEnded. A body
// that fails validation is returned as an error without logging out.
func (s *Session) CSRFToken(ctx context.Context, accessToken string, forceNew bool) (string, error) {
	if accessToken == "" {
		return "", ErrNoSession
	}
	if !forceNew {
		if tok := s.tokens.csrfFor(accessToken); tok != "" {
			return tok, nil
		}
	}

	tok, shared, err := flight.Do(ctx, s.flights, flight.Key(flight.KeyCSRF, accessToken),
		func(ctx context.Context) (string, error) {
			tok, err := s.requestCSRF(ctx, accessToken)
			if err != nil {
				var rerr *oauth2.RetrieveError
				if errors.As(err, &rerr) {
					s.endSessionFor(accessToken, "csrf token request rejected")
					return "", fmt.Errorf("%w: %w", ErrSessionEnded, err)
				}
				return "", err
			}
			s.tokens.setCSRFFor(accessToken, tok)
			return tok, nil
		})
	if err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"flight": flight.KeyCSRF, "shared": shared}).
		Debug("csrf token ready")
	return tok, nil
}

// PendingCSRFToken is CSRFToken for the pending identity. A non-2xx answer
// clears the pending token only and returns ErrPendingEnded.
func (s *Session) PendingCSRFToken(ctx context.Context, pendingToken string, forceNew bool) (string, error) {
	if pendingToken == "" {
		return "", ErrNoSession
	}
	if !forceNew && s.tokens.PendingToken() == pendingToken {
		if tok := s.tokens.PendingCSRFToken(); tok != "" {
			return tok, nil
		}
	}

	tok, _, err := flight.Do(ctx, s.flights, flight.Key(flight.KeyPendingCSRF, pendingToken),
		func(ctx context.Context) (string, error) {
			tok, err := s.requestCSRF(ctx, pendingToken)
			if err != nil {
				var rerr *oauth2.RetrieveError
				if errors.As(err, &rerr) {
					s.clearPendingFor(pendingToken, "csrf token request rejected")
					return "", fmt.Errorf("%w: %w", ErrPendingEnded, err)
				}
				return "", err
			}
			s.tokens.setPendingCSRFFor(pendingToken, tok)
			return tok, nil
		})
	return tok, err
}

// Reauthenticate exchanges the refresh cookie for a new access token and a
// CSRF token bound to it. Concurrent calls share one exchange.
//
// A non-2xx answer logs the session out and returns ErrSessionEnded. A body
// that fails validation clears the durable was-authenticated flag, leaves the
// tokens alone and returns ErrNoSession. A token that arrives after a Logout
// issued during the exchange is dropped and ErrSessionEnded returned.
func (s *Session) Reauthenticate(ctx context.Context) (string, error) {
	tok, shared, err := flight.Do(ctx, s.flights, flight.KeyReauth, s.reauthenticate)
	if err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"flight": flight.KeyReauth, "shared": shared}).
		Debug("access token refreshed")
	return tok, nil
}

func (s *Session) reauthenticate(ctx context.Context) (string, error) {
	s.notify.Refreshing()
	gen := s.logouts.Load()

	token, err := s.exchangeRefresh(ctx)
	if err != nil {
		var rerr *oauth2.RetrieveError
		switch {
		case errors.As(err, &rerr):
			s.Logout("refresh rejected")
			err = fmt.Errorf("%w: %w", ErrSessionEnded, err)
		case isValidationError(err):
			s.tokens.ForgetAuthenticated()
			err = fmt.Errorf("%w: %w", ErrNoSession, err)
		}
		s.log.WithError(err).Warn("refresh failed")
		s.notify.RefreshFailed(err)
		return "", err
	}

	if s.logouts.Load() != gen {
		err := fmt.Errorf("%w: logged out during refresh", ErrSessionEnded)
		s.log.Info("discarding access token from a refresh that outlived a logout")
		s.notify.RefreshFailed(err)
		return "", err
	}

	s.tokens.SetAccessToken(token.AccessToken)
	if _, err := s.CSRFToken(ctx, token.AccessToken, true); err != nil {
		s.notify.RefreshFailed(err)
		return "", err
	}

	s.notify.RefreshOK()
	return token.AccessToken, nil
}

// Login authenticates with email and password. A rejected login returns
// *oauth2.RetrieveError and leaves the session untouched.
func (s *Session) Login(ctx context.Context, email, password string) (LoginResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return LoginResult{}, fmt.Errorf("failed to encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		s.URL(s.endpoints.Login),
		bytes.NewReader(payload),
	)
	if err != nil {
		return LoginResult{}, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	env, err := s.exchange(reqCtx, req)
	if err != nil {
		return LoginResult{}, fmt.Errorf("login failed: %w", err)
	}

	if access, err := env.String("access_token"); err == nil {
		s.tokens.SetPendingToken("")
		s.tokens.SetAccessToken(access)
		if _, err := s.CSRFToken(ctx, access, true); err != nil {
			return LoginResult{AccessToken: access}, err
		}
		return LoginResult{AccessToken: access}, nil
	}

	pending, err := env.String("pending_token")
	if err != nil {
		return LoginResult{}, fmt.Errorf("invalid login response: %w", err)
	}
	s.tokens.SetPendingToken(pending)
	return LoginResult{PendingToken: pending}, nil
}

// CompleteVerification promotes accessToken, obtained by verifying the
// pending identity, to the session's access token.
func (s *Session) CompleteVerification(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return ErrNoSession
	}
	s.tokens.SetPendingToken("")
	s.tokens.SetAccessToken(accessToken)
	_, err := s.CSRFToken(ctx, accessToken, true)
	return err
}

// requestCSRF performs GET csrf authenticated with token.
func (s *Session) requestCSRF(ctx context.Context, token string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, csrfFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.URL(s.endpoints.CSRF), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create csrf request: %w", err)
	}
	req.Header.Set(HeaderAuthToken, token)

	env, err := s.exchange(reqCtx, req)
	if err != nil {
		return "", fmt.Errorf("csrf token request failed: %w", err)
	}
	tok, err := env.String("csrf_token")
	if err != nil {
		return "", fmt.Errorf("invalid csrf response: %w", err)
	}
	return tok, nil
}

// exchangeRefresh performs POST refresh. Only the cookie jar carries
// credentials.
func (s *Session) exchangeRefresh(ctx context.Context) (*oauth2.Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.URL(s.endpoints.Refresh), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}

	env, err := s.exchange(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	access, err := env.String("access_token")
	if err != nil {
		return nil, fmt.Errorf("invalid refresh response: %w", err)
	}

	token := &oauth2.Token{AccessToken: access}
	if secs := env.Data.Get("expires_in").Int(); secs > 0 {
		token.Expiry = time.Now().Add(time.Duration(secs) * time.Second)
	}
	return token, nil
}

// exchange sends req and validates the envelope. Non-2xx statuses come back
// as *oauth2.RetrieveError.
func (s *Session) exchange(ctx context.Context, req *http.Request) (*envelope.Envelope, error) {
	resp, err := s.doer.DoWithContext(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL.Path,
		"status": resp.StatusCode,
	}).Debug("token exchange")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &oauth2.RetrieveError{Response: resp, Body: body}
	}
	return envelope.Decode(body)
}

func isValidationError(err error) bool {
	return errors.Is(err, envelope.ErrMalformed) || errors.Is(err, envelope.ErrFlagged)
}
