package session

// Notifier receives user-visible session events. Calls are fire-and-forget
// and may come from any goroutine.
type Notifier interface {
	Initializing()
	SessionRestored()
	SessionAbsent()
	RestoreFailed(err error)
	Ready()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	RequestRetrying(reason string)
	LoggedOut(reason string)
	PendingCleared(reason string)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Initializing()            {}
func (NopNotifier) SessionRestored()         {}
func (NopNotifier) SessionAbsent()           {}
func (NopNotifier) RestoreFailed(_ error)    {}
func (NopNotifier) Ready()                   {}
func (NopNotifier) Refreshing()              {}
func (NopNotifier) RefreshOK()               {}
func (NopNotifier) RefreshFailed(_ error)    {}
func (NopNotifier) RequestRetrying(_ string) {}
func (NopNotifier) LoggedOut(_ string)       {}
func (NopNotifier) PendingCleared(_ string)  {}
