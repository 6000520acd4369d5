// Package flight collapses concurrent calls for the same named operation into
// one execution whose outcome every caller shares.
package flight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Well-known operation keys.
const (
	KeyCSRF        = "csrf"
	KeyReauth      = "reauth"
	KeyPendingCSRF = "pending-csrf"
)

// ErrPanicked wraps the value of a panic raised inside a flight.
var ErrPanicked = errors.New("flight panicked")

// Coordinator tracks in-flight operations by key. The zero value is ready to use.
type Coordinator struct {
	group singleflight.Group
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Key joins parts into a compound operation key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Do runs fn under key unless a call under the same key is already in flight,
// in which case it waits for that call and returns its result. shared reports
// whether the result was delivered to more than one caller.
//
// fn runs with a context that keeps ctx's values but not its cancellation:
// other callers may be waiting on the same flight. If ctx ends first, Do
// returns ctx.Err() and the flight keeps running. The key is released when fn
// returns. A panic in fn is recovered and delivered to every caller as an
// error wrapping ErrPanicked.
func Do[T any](
	ctx context.Context,
	c *Coordinator,
	key string,
	fn func(ctx context.Context) (T, error),
) (v T, shared bool, err error) {
	if err := ctx.Err(); err != nil {
		return v, false, err
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (val any, err error) {
		defer func() {
			if r := recover(); r != nil {
				val, err = nil, fmt.Errorf("%w: %s: %v", ErrPanicked, key, r)
			}
		}()
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		return v, false, ctx.Err()
	case res := <-ch:
		if res.Val != nil {
			v = res.Val.(T)
		}
		return v, res.Shared, res.Err
	}
}
