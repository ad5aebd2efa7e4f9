package syncer

import (
	"time"

	"github.com/google/uuid"
)

const sessionHistoryLimit = 50

// SessionStatus is the lifecycle state of a sync session.
// pending -> in_progress -> {completed | failed | cancelled}; terminal
// states are final.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// Session records one sync pass across the configured transports.
type Session struct {
	ID        string        `json:"id"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Status    SessionStatus `json:"status"`
	Changes   int           `json:"changes"`
	Conflicts int           `json:"conflicts"`
	Errors    []string      `json:"errors,omitempty"`
}

func newSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
		Status:    SessionPending,
	}
}

func (s *Session) start() {
	s.Status = SessionInProgress
}

func (s *Session) finish() {
	s.EndTime = time.Now()
	if len(s.Errors) > 0 {
		s.Status = SessionFailed
	} else {
		s.Status = SessionCompleted
	}
}

func (s *Session) cancel() {
	if !s.Status.Terminal() {
		s.Status = SessionCancelled
		s.EndTime = time.Now()
	}
}

// Duration returns the session's wall time, zero while running.
func (s *Session) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
