// Package session implements the shared terminal hub: one long-lived child
// process whose output is broadcast to every attached client and whose input
// is accepted from any of them.
//
// The pieces are layered leaf first. A Registry holds the attached clients.
// A Broadcaster owns the single read loop of one bridge and fans its output
// out to the registry. A Router writes client input into the bridge, falling
// back to out-of-band injection when the bridge is gone. A Supervisor
// replaces the bridge after failures. Hub and Private tie them together for
// the shared and the per-client session respectively.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termlinkky/server/internal/model"
)

// Bridge is the byte channel to a child process running on a terminal.
type Bridge interface {
	// ReadChunk waits up to timeout for output. It returns (nil, nil) on
	// timeout and io.EOF once the child side has closed.
	ReadChunk(timeout time.Duration) ([]byte, error)
	Write(p []byte) error
	IsAlive() bool
	Terminate() error
	PID() int
}

// Spawner starts a new bridge.
type Spawner interface {
	Start(ctx context.Context) (Bridge, error)
}

// SpawnerFunc adapts a function to a Spawner.
type SpawnerFunc func(ctx context.Context) (Bridge, error)

// Start calls f(ctx).
func (f SpawnerFunc) Start(ctx context.Context) (Bridge, error) {
	return f(ctx)
}

// Sink receives output for one attached client. Send must honor ctx.
type Sink interface {
	Send(ctx context.Context, data []byte) error
}

// Injector delivers input to the session out of band, without the bridge.
type Injector interface {
	SendLiteral(ctx context.Context, session string, data []byte) error
}

// Capturer returns the current screen contents of the session.
type Capturer interface {
	CapturePane(ctx context.Context, session string, lines int) (string, error)
}

// Recording receives a copy of the session's traffic.
type Recording interface {
	WriteOutput(data []byte) error
	WriteInput(data []byte) error
	Close() error
}

// Recordings opens one Recording per bridge generation.
type Recordings interface {
	Open(session string, generation int) (Recording, error)
}

// StatusStore persists the session's state and lifecycle events.
type StatusStore interface {
	Upsert(ctx context.Context, s *model.Session) error
	RecordEvent(ctx context.Context, e *model.SessionEvent) error
}

// Session is the live handle of the logical terminal. A recovery replaces
// it with a new value carrying the same name and the next generation.
type Session struct {
	Name       string
	CreatedAt  time.Time
	Generation int

	bridge Bridge
}

// Bridge returns the session's process channel.
func (s *Session) Bridge() Bridge {
	return s.bridge
}

// IsAlive reports whether the session's child is still running.
func (s *Session) IsAlive() bool {
	return s.bridge != nil && s.bridge.IsAlive()
}

// Client is one attached viewer.
type Client struct {
	id       string
	sink     Sink
	joinedAt time.Time

	// sendLock is a one-slot semaphore serializing deliveries so the join
	// snapshot precedes live output. Waiting for it honors the context.
	sendLock chan struct{}

	mu      sync.Mutex
	lastErr error
}

func newClient(sink Sink) *Client {
	return &Client{
		id:       uuid.New().String(),
		sink:     sink,
		joinedAt: time.Now(),
		sendLock: make(chan struct{}, 1),
	}
}

// ID returns the client's unique id.
func (c *Client) ID() string {
	return c.id
}

// JoinedAt returns when the client attached.
func (c *Client) JoinedAt() time.Time {
	return c.joinedAt
}

// LastError returns the error that caused the client to be dropped, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// deliver sends data once no other delivery is in flight. The wait for the
// send lock and the send itself share ctx, so a delivery never takes longer
// than ctx allows even while a join snapshot is being sent.
func (c *Client) deliver(ctx context.Context, data []byte) error {
	select {
	case c.sendLock <- struct{}{}:
	case <-ctx.Done():
		return c.fail(model.ErrSendTimeout)
	}
	defer c.unlockSend()
	return c.send(ctx, data)
}

func (c *Client) lockSend() {
	c.sendLock <- struct{}{}
}

func (c *Client) unlockSend() {
	<-c.sendLock
}

// send requires the send lock.
func (c *Client) send(ctx context.Context, data []byte) error {
	if err := c.sink.Send(ctx, data); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Client) fail(err error) error {
	err = &model.SendError{ClientID: c.id, Err: err}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}

// close releases the sink's transport when it has one.
func (c *Client) close() {
	if closer, ok := c.sink.(interface{ Close() error }); ok {
		closer.Close()
	}
}
