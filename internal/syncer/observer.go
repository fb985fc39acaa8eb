package syncer

// Observer receives view-layer callbacks from the sync core. All methods
// are fire-and-forget: the core calls them after state changes and
// functions correctly whatever they do. Components that don't care embed
// NopObserver.
type Observer interface {
	// RefreshGroupList signals that the group collection changed.
	RefreshGroupList()

	// RefreshOpenGroup signals that the currently open group changed and
	// should be re-rendered.
	RefreshOpenGroup()

	// Notify delivers a user-facing message (toast-level, not a log line).
	Notify(message string)
}

// NopObserver is an Observer that ignores everything.
type NopObserver struct{}

func (NopObserver) RefreshGroupList() {}
func (NopObserver) RefreshOpenGroup() {}
func (NopObserver) Notify(string)    {}
