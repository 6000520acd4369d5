package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	retry "github.com/appleboy/go-httpretry"
	"github.com/sirupsen/logrus"
)

// NewClientFunc builds a retry client; retry.NewClient and
// retry.NewBackgroundClient both fit.
type NewClientFunc func(opts ...retry.Option) (*retry.Client, error)

// Transport is the production Doer. Read-only requests are resent on network
// errors; every other request, the refresh exchange included, is sent exactly
// once. An HTTP status is never retried and always comes back as a response.
type Transport struct {
	reads  *retry.Client
	writes *retry.Client
}

// NewTransport builds a Transport over base. newClient picks the retry preset
// (backoff, attempt count) for read-only requests. Retries are logged on log.
func NewTransport(newClient NewClientFunc, base *http.Client, log *logrus.Entry) (*Transport, error) {
	if newClient == nil {
		newClient = retry.NewClient
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	reads, err := newClient(
		retry.WithHTTPClient(base),
		retry.WithNoLogging(),
		retry.WithRetryableChecker(networkErrorChecker(log)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	writes, err := newClient(
		retry.WithHTTPClient(base),
		retry.WithNoLogging(),
		retry.WithRetryableChecker(neverRetry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return &Transport{reads: reads, writes: writes}, nil
}

// DoWithContext sends req once, or with retries on network errors when the
// method is read-only.
func (t *Transport) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	if IsReadOnly(req.Method) {
		return t.reads.DoWithContext(ctx, req)
	}
	return t.writes.DoWithContext(ctx, req)
}

// IsReadOnly reports whether method never changes server state.
func IsReadOnly(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// networkErrorChecker retries failures that produced no response, unless the
// caller gave up.
func networkErrorChecker(log *logrus.Entry) retry.RetryableChecker {
	return func(err error, resp *http.Response) bool {
		if err == nil || resp != nil {
			return false
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		log.WithError(err).Warn("network error, retrying read-only request")
		return true
	}
}

func neverRetry(error, *http.Response) bool { return false }
