package syncer

import (
	"time"

	"github.com/flowmesh/worksync/internal/vclock"
)

// Status is the coordinator-level sync status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusPaused  Status = "paused"
)

// LastError describes the most recent sync failure.
type LastError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Code      string    `json:"code"`
}

// Stats are rolling sync statistics. AvgSyncDuration is a running mean
// over all finished sessions.
type Stats struct {
	TotalSyncs        uint64        `json:"totalSyncs"`
	SuccessfulSyncs   uint64        `json:"successfulSyncs"`
	FailedSyncs       uint64        `json:"failedSyncs"`
	LastSyncDuration  time.Duration `json:"lastSyncDuration"`
	AvgSyncDuration   time.Duration `json:"avgSyncDuration"`
	BytesSynced       uint64        `json:"bytesSynced"`
	ConflictsResolved uint64        `json:"conflictsResolved"`
}

func (s *Stats) record(d time.Duration, failed bool) {
	s.TotalSyncs++
	if failed {
		s.FailedSyncs++
	} else {
		s.SuccessfulSyncs++
	}
	s.LastSyncDuration = d

	// running mean over total sessions
	n := time.Duration(s.TotalSyncs)
	s.AvgSyncDuration = s.AvgSyncDuration + (d-s.AvgSyncDuration)/n
}

// State is a snapshot of the coordinator's sync state.
type State struct {
	Status         Status       `json:"status"`
	LastSync       time.Time    `json:"lastSync"`
	LastError      *LastError   `json:"lastError,omitempty"`
	Stats          Stats        `json:"stats"`
	PendingChanges int          `json:"pendingChanges"`
	Conflicts      int          `json:"conflicts"`
	VectorClock    vclock.Clock `json:"vectorClock,omitempty"`
}
