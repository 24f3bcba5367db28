package reconcile

import "errors"

// Fatal run errors. Anything else that goes wrong during a run is counted
// and sampled in the report instead of being returned.
var (
	// ErrSourceFetch means the source could not be read. Nothing was written.
	ErrSourceFetch = errors.New("source fetch failed")

	// ErrStoreUnavailable means the store could not be reached or loaded.
	ErrStoreUnavailable = errors.New("store unavailable")
)
