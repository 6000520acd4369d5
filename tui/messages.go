package tui

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ ServerURL string }

// MsgInitializing signals that the startup restore decision has begun.
type MsgInitializing struct{}

// MsgSessionRestored signals that a previous session was restored.
type MsgSessionRestored struct{}

// MsgSessionAbsent signals that this profile never held a session.
type MsgSessionAbsent struct{}

// MsgRestoreFailed signals that a previous session could not be restored.
type MsgRestoreFailed struct{ Err error }

// MsgReady signals that the session may now issue requests.
type MsgReady struct{}

// MsgRefreshing signals that the access token is being refreshed.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the access token was refreshed.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that refreshing the access token failed.
type MsgRefreshFailed struct{ Err error }

// MsgRequestRetrying signals that a request is being retried once.
type MsgRequestRetrying struct{ Reason string }

// MsgLoggedOut signals that the session was torn down.
type MsgLoggedOut struct{ Reason string }

// MsgPendingCleared signals that the pending identity was abandoned.
type MsgPendingCleared struct{ Reason string }

// MsgLoggingIn signals that a password login is in progress.
type MsgLoggingIn struct{ Email string }

// MsgVerificationRequired signals that the account must be verified first.
type MsgVerificationRequired struct{}

// MsgSessionStatus reports whether a session or a pending identity is held.
type MsgSessionStatus struct {
	Authenticated bool
	Pending       bool
}

// MsgResponse carries the result of an API request.
type MsgResponse struct {
	Status int
	Body   string
}

// MsgCollections carries a summary of the loaded collections.
type MsgCollections struct{ Collections []Collection }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
