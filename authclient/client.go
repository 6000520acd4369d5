// Package authclient sends API requests on behalf of a session. It attaches
// the access and CSRF tokens, recovers once from an expired access token or a
// rejected CSRF token, and ends the session when recovery fails.
package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-authgate/session-cli/envelope"
	"github.com/go-authgate/session-cli/session"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HeaderRequestID correlates the attempts of one logical request.
const HeaderRequestID = "x-request-id"

// ErrAborted reports that the caller's context ended before a response
// arrived. It always wraps the context error.
var ErrAborted = errors.New("request aborted")

// Client issues authenticated requests for a session.
type Client struct {
	sess *session.Session
	log  *logrus.Entry
}

// New returns a Client bound to sess.
func New(sess *session.Session) *Client {
	return &Client{
		sess: sess,
		log:  sess.Logger().WithField("component", "authclient"),
	}
}

// Session returns the session the client works for.
func (c *Client) Session() *session.Session {
	return c.sess
}

// Do sends r with the session's credentials.
//
// A nil response with a nil error means the session is not ready: it is still
// initializing or holds no access token. No request is sent in that case.
//
// HTTP failures are returned as responses, never as errors. A 401 is retried
// once after reauthentication; a 403 whose body reports a CSRF failure is
// retried once for mutating methods after forcing a new CSRF token. When
// recovery is impossible, or the retry fails the same way, the session is
// logged out and the failed response is returned.
//
// Errors are transport failures, or ErrAborted when ctx ends.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	if c.sess.IsInitializing() {
		return nil, nil
	}
	tokens := c.sess.Tokens()
	access := tokens.AccessToken()
	if access == "" {
		return nil, nil
	}

	p, err := prepare(r, c.sess.URL)
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     p.method,
		"url":        p.url,
	})

	var csrf string
	if p.mutating() {
		csrf, err = c.sess.CSRFToken(ctx, access, false)
		if err != nil {
			return nil, abortedOr(ctx, err)
		}
	}

	resp, err := send(ctx, c.sess.Doer(), p, requestID, access, csrf)
	if err != nil {
		return nil, err
	}
	log.WithField("status", resp.StatusCode).Debug("request completed")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return c.recoverUnauthorized(ctx, p, requestID, resp, log)
	case resp.StatusCode == http.StatusForbidden && p.mutating():
		return c.recoverForbidden(ctx, p, requestID, resp, log)
	}
	return resp, nil
}

// recoverUnauthorized reauthenticates and retries the request once.
func (c *Client) recoverUnauthorized(
	ctx context.Context,
	p *prepared,
	requestID string,
	failed *http.Response,
	log *logrus.Entry,
) (*http.Response, error) {
	access, err := c.sess.Reauthenticate(ctx)
	if err != nil {
		return c.giveUp(ctx, failed, err, "reauthentication failed", log)
	}

	var csrf string
	if p.mutating() {
		csrf, err = c.sess.CSRFToken(ctx, access, true)
		if err != nil {
			return c.giveUp(ctx, failed, err, "csrf refresh after reauthentication failed", log)
		}
	}

	discard(failed)
	c.sess.Notifier().RequestRetrying("access token expired")
	log.Info("retrying request with refreshed access token")

	resp, err := send(ctx, c.sess.Doer(), p, requestID, access, csrf)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		log.Warn("request unauthorized after reauthentication")
		c.sess.Logout("request unauthorized after reauthentication")
	}
	return resp, nil
}

// recoverForbidden retries a mutating request once with a fresh CSRF token
// when the 403 body blames the CSRF token.
func (c *Client) recoverForbidden(
	ctx context.Context,
	p *prepared,
	requestID string,
	failed *http.Response,
	log *logrus.Entry,
) (*http.Response, error) {
	body, err := peekBody(failed)
	if err != nil || !envelope.MentionsCSRF(body) {
		return failed, nil
	}

	// A concurrent reauthentication may have replaced the token.
	access := c.sess.Tokens().AccessToken()
	if access == "" {
		c.sess.Logout("csrf token rejected without a session")
		return failed, nil
	}

	csrf, err := c.sess.CSRFToken(ctx, access, true)
	if err != nil {
		return c.giveUp(ctx, failed, err, "csrf refresh failed", log)
	}

	discard(failed)
	c.sess.Notifier().RequestRetrying("csrf token rejected")
	log.Info("retrying request with refreshed csrf token")

	resp, err := send(ctx, c.sess.Doer(), p, requestID, access, csrf)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		log.Warn("request forbidden after csrf refresh")
		c.sess.Logout("request forbidden after csrf refresh")
	}
	return resp, nil
}

// giveUp settles a failed recovery. When the server refused to issue new
// tokens the session ends and the original response is returned; transport
// failures and aborts propagate with the session intact.
func (c *Client) giveUp(
	ctx context.Context,
	failed *http.Response,
	err error,
	reason string,
	log *logrus.Entry,
) (*http.Response, error) {
	if ctx.Err() != nil {
		discard(failed)
		return nil, abortedOr(ctx, err)
	}
	if !endsSession(err) {
		discard(failed)
		return nil, err
	}
	log.WithError(err).Warn(reason)
	c.sess.Logout(reason)
	return failed, nil
}

// SignOut asks the server to end the session, then logs out locally whatever
// the answer.
func (c *Client) SignOut(ctx context.Context) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: c.sess.Endpoints().Logout})
	discard(resp)
	c.sess.Logout("signed out")
	if err != nil {
		return fmt.Errorf("server sign-out failed: %w", err)
	}
	return nil
}

// endsSession reports whether err means the server will not issue tokens for
// this session any more.
func endsSession(err error) bool {
	return errors.Is(err, session.ErrSessionEnded) ||
		errors.Is(err, session.ErrNoSession) ||
		errors.Is(err, envelope.ErrMalformed) ||
		errors.Is(err, envelope.ErrFlagged)
}

// send performs one attempt.
func send(
	ctx context.Context,
	doer session.Doer,
	p *prepared,
	requestID, token, csrf string,
) (*http.Response, error) {
	req, err := p.build(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set(session.HeaderAuthToken, token)
	if csrf != "" {
		req.Header.Set(session.HeaderCSRFToken, csrf)
	}
	req.Header.Set(HeaderRequestID, requestID)

	resp, err := doer.DoWithContext(ctx, req)
	if err != nil {
		return nil, abortedOr(ctx, err)
	}
	return resp, nil
}

// abortedOr returns ErrAborted wrapping the context error when ctx has ended,
// err otherwise.
func abortedOr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %w", ErrAborted, cerr)
	}
	return err
}
