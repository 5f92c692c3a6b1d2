package model

import (
	"time"
)

// SessionStatus represents the status of the shared terminal session.
type SessionStatus string

const (
	SessionStatusStarting SessionStatus = "starting"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusDegraded SessionStatus = "degraded"
	SessionStatusStopped  SessionStatus = "stopped"
)

// Session is the persisted view of a logical shared terminal.
// The live process handle is owned by the session hub, not stored here.
type Session struct {
	Name       string        `json:"name"`
	Status     SessionStatus `json:"status"`
	PID        *int          `json:"pid,omitempty"`
	Generation int           `json:"generation"`
	Restarts   int           `json:"restarts"`
	LastError  string        `json:"lastError,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Uptime returns how long the session has existed.
func (s *Session) Uptime() time.Duration {
	return time.Since(s.CreatedAt)
}

// EventKind classifies a session lifecycle event.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventExited       EventKind = "exited"
	EventRestarted    EventKind = "restarted"
	EventSpawnFailed  EventKind = "spawn_failed"
	EventFallbackUsed EventKind = "fallback_used"
	EventClosed       EventKind = "closed"
)

// SessionEvent is one entry of a session's lifecycle log.
type SessionEvent struct {
	ID          int64     `json:"id"`
	SessionName string    `json:"sessionName"`
	Kind        EventKind `json:"kind"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
