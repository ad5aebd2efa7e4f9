package syncer

import (
	"context"
	"time"

	"github.com/flowmesh/worksync/internal/conflict"
)

// Transport exchanges configuration snapshots with a remote store. The
// coordinator drives transports sequentially; implementations only need
// to be safe for one in-flight call at a time.
type Transport interface {
	Name() string
	IsAvailable() bool
	DownloadConfiguration(ctx context.Context) (*conflict.Snapshot, error)
	UploadConfiguration(ctx context.Context, snap *conflict.Snapshot) error
}

// RealTimeTransport is implemented by transports that push changes as
// they happen instead of waiting for a poll cycle.
type RealTimeTransport interface {
	Transport
	SupportsRealTimeUpdates() bool
}

// ModTimeTransport is implemented by transports that can report when the
// remote snapshot last changed, letting the coordinator skip downloads.
type ModTimeTransport interface {
	Transport
	LastModified(ctx context.Context) (time.Time, error)
}
