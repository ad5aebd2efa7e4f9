package syncer

import "errors"

var (
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrAllTransportsFailed = errors.New("all transports failed")
	ErrNoTransports        = errors.New("no transports configured")
	ErrCoordinatorClosed   = errors.New("coordinator closed")
)
