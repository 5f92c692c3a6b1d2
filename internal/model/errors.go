package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawn is matched by every SpawnError.
	ErrSpawn = errors.New("spawn failed")

	// ErrSendTimeout is returned when a client did not accept a chunk within the send timeout.
	ErrSendTimeout = errors.New("send timed out")

	// ErrClientClosed is returned when sending to a client that has already been closed.
	ErrClientClosed = errors.New("client closed")

	// ErrNoFallback is returned when input needs the fallback path but no multiplexer is configured.
	ErrNoFallback = errors.New("no fallback path configured")

	// ErrHubClosed is returned by operations on a hub that has been shut down.
	ErrHubClosed = errors.New("session hub closed")

	// ErrNoBridge is returned when the session currently has no live process channel.
	ErrNoBridge = errors.New("no live process channel")

	// ErrInvalidGeometry is returned when the configured terminal size has a zero dimension.
	ErrInvalidGeometry = errors.New("terminal geometry must be non-zero")

	// ErrSessionNameRequired is returned when no session name is configured.
	ErrSessionNameRequired = errors.New("session name is required")

	// ErrSessionNotFound is returned when no state has been persisted for a session.
	ErrSessionNotFound = errors.New("session not found")
)

// SpawnError reports that a child process could not be created.
type SpawnError struct {
	Op  string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSpawn) hold for every SpawnError.
func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// IOError reports an abnormal failure on the process channel.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("pty %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// SendError reports that a single client could not be reached.
type SendError struct {
	ClientID string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to client %s: %v", e.ClientID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// FallbackError reports that out-of-band input injection failed and the input was dropped.
type FallbackError struct {
	Session string
	Err     error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("fallback input for session %s: %v", e.Session, e.Err)
}

func (e *FallbackError) Unwrap() error { return e.Err }
