package session

import (
	"context"
)

// State is the startup state of a Session.
type State int32

const (
	// Uninitialized means the startup restore attempt has not resolved yet.
	// Requests must wait; this is not the same as having no session.
	Uninitialized State = iota
	// Ready means the startup decision is final.
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Start runs the startup decision exactly once; later calls return
// immediately (or wait for the first call to finish). A profile that never
// held a session becomes Ready without any network call. Otherwise Start
// tries to restore the session through Reauthenticate and becomes Ready
// whatever the outcome.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		defer s.markReady()

		s.notify.Initializing()
		if !s.tokens.WasAuthenticated() {
			s.log.Debug("no previous session, skipping restore")
			s.notify.SessionAbsent()
			return
		}

		if _, err := s.Reauthenticate(ctx); err != nil {
			s.log.WithError(err).Info("previous session could not be restored")
			s.notify.RestoreFailed(err)
			return
		}
		s.log.Info("previous session restored")
		s.notify.SessionRestored()
	})
}

// State returns the current startup state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsInitializing reports whether the startup decision is still pending.
func (s *Session) IsInitializing() bool {
	return s.State() != Ready
}

// Ready returns a channel closed once the session is Ready.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until the session is Ready or ctx ends.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) markReady() {
	s.state.Store(int32(Ready))
	close(s.ready)
	s.notify.Ready()
}
