package conflict

import "errors"

var (
	// ErrSyncInProgress is returned when a second sync is attempted while
	// one is already running on this detector. Callers should retry later,
	// not queue.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrConflictNotFound is returned when resolving an unknown conflict id.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrNotInitialized is returned when syncing before Initialize.
	ErrNotInitialized = errors.New("detector has no local snapshot")
)
