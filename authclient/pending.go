package authclient

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-authgate/session-cli/envelope"
	"github.com/go-authgate/session-cli/session"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// PendingClient issues requests as a not-yet-verified identity. It never
// reauthenticates: a 401, or a 403 blaming the CSRF token, abandons the
// pending identity and returns the response.
type PendingClient struct {
	sess *session.Session
	log  *logrus.Entry
}

// NewPending returns a PendingClient bound to sess.
func NewPending(sess *session.Session) *PendingClient {
	return &PendingClient{
		sess: sess,
		log:  sess.Logger().WithField("component", "authclient.pending"),
	}
}

// Do sends r with the pending token. A nil response with a nil error means
// there is no pending identity.
func (c *PendingClient) Do(ctx context.Context, r Request) (*http.Response, error) {
	pending := c.sess.Tokens().PendingToken()
	if pending == "" {
		return nil, nil
	}

	p, err := prepare(r, c.sess.URL)
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()

	var csrf string
	if p.mutating() {
		csrf, err = c.sess.PendingCSRFToken(ctx, pending, false)
		if err != nil {
			return nil, abortedOr(ctx, err)
		}
	}

	resp, err := send(ctx, c.sess.Doer(), p, requestID, pending, csrf)
	if err != nil {
		return nil, err
	}
	log := c.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     p.method,
		"url":        p.url,
		"status":     resp.StatusCode,
	})
	log.Debug("pending request completed")

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		c.abandon(pending, "pending identity rejected", log)
	case http.StatusForbidden:
		body, err := peekBody(resp)
		if err == nil && envelope.MentionsCSRF(body) {
			c.abandon(pending, "pending csrf token rejected", log)
		}
	}
	return resp, nil
}

func (c *PendingClient) abandon(pending, reason string, log *logrus.Entry) {
	if c.sess.Tokens().PendingToken() != pending {
		return
	}
	log.Warn(reason)
	c.sess.ClearPending(reason)
}

// Verify submits the verification code of the pending identity. On success
// the returned access token becomes the session's access token.
func (c *PendingClient) Verify(ctx context.Context, code string) error {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    c.sess.Endpoints().Verify,
		Body:   map[string]string{"code": code},
	})
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if resp == nil {
		return session.ErrNoSession
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read verification response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("verification failed: %w", &oauth2.RetrieveError{Response: resp, Body: body})
	}

	env, err := envelope.Decode(body)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	access, err := env.String("access_token")
	if err != nil {
		return fmt.Errorf("invalid verification response: %w", err)
	}
	return c.sess.CompleteVerification(ctx, access)
}
