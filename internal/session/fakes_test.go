package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/termlinkky/server/internal/model"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeBridge serves scripted output and records what is written to it.
type fakeBridge struct {
	pid  int
	out  chan []byte
	eof  chan struct{}
	echo bool

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	readErr  error

	alive      atomic.Bool
	terminated atomic.Int32
	eofOnce    sync.Once
}

func newFakeBridge(pid int) *fakeBridge {
	b := &fakeBridge{
		pid: pid,
		out: make(chan []byte, 1024),
		eof: make(chan struct{}),
	}
	b.alive.Store(true)
	return b
}

func (b *fakeBridge) ReadChunk(timeout time.Duration) ([]byte, error) {
	// Drain scripted output before reporting the end of the stream.
	select {
	case c := <-b.out:
		return c, nil
	default:
	}

	b.mu.Lock()
	readErr := b.readErr
	b.mu.Unlock()
	if readErr != nil {
		return nil, readErr
	}

	select {
	case c := <-b.out:
		return c, nil
	case <-b.eof:
		return nil, io.EOF
	case <-time.After(timeout):
		return nil, nil
	}
}

func (b *fakeBridge) Write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.written.Write(p)
	if b.echo {
		b.out <- append([]byte(nil), p...)
	}
	return nil
}

func (b *fakeBridge) IsAlive() bool { return b.alive.Load() }

func (b *fakeBridge) Terminate() error {
	b.terminated.Add(1)
	b.alive.Store(false)
	b.closeEOF()
	return nil
}

func (b *fakeBridge) PID() int { return b.pid }

func (b *fakeBridge) emit(s string) { b.out <- []byte(s) }

func (b *fakeBridge) closeEOF() { b.eofOnce.Do(func() { close(b.eof) }) }

func (b *fakeBridge) failWrites(err error) {
	b.mu.Lock()
	b.writeErr = err
	b.mu.Unlock()
}

func (b *fakeBridge) failReads(err error) {
	b.mu.Lock()
	b.readErr = err
	b.mu.Unlock()
}

func (b *fakeBridge) writtenString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written.String()
}

// fakeSpawner hands out fake bridges and counts starts. When gate is set,
// Start blocks until it is closed. With dieOnStart every bridge is already
// at end of stream.
type fakeSpawner struct {
	mu         sync.Mutex
	starts     int
	bridges    []*fakeBridge
	errs       []error
	echo       bool
	dieOnStart bool
	gate       chan struct{}
}

func (s *fakeSpawner) Start(ctx context.Context) (Bridge, error) {
	s.mu.Lock()
	s.starts++
	n := s.starts
	gate := s.gate
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, &model.SpawnError{Op: "fake", Err: err}
	}

	b := newFakeBridge(1000 + n)
	b.echo = s.echo
	if s.dieOnStart {
		b.closeEOF()
	}
	s.mu.Lock()
	s.bridges = append(s.bridges, b)
	s.mu.Unlock()
	return b, nil
}

func (s *fakeSpawner) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *fakeSpawner) bridge(i int) *fakeBridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.bridges) {
		return nil
	}
	return s.bridges[i]
}

func (s *fakeSpawner) last() *fakeBridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bridges) == 0 {
		return nil
	}
	return s.bridges[len(s.bridges)-1]
}

// recordingSink collects everything sent to it. A blocking sink waits for
// its context; a failing sink returns err.
type recordingSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	chunks int
	first  time.Time
	block  bool
	err    error
	closed atomic.Bool
}

func (s *recordingSink) Send(ctx context.Context, data []byte) error {
	if s.block {
		<-ctx.Done()
		return model.ErrSendTimeout
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunks == 0 {
		s.first = time.Now()
	}
	s.chunks++
	s.buf.Write(data)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *recordingSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *recordingSink) firstAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// fakeInjector records fallback input.
type fakeInjector struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeInjector) SendLiteral(_ context.Context, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, string(data))
	return nil
}

func (f *fakeInjector) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCapturer struct {
	text string
	err  error
}

func (f fakeCapturer) CapturePane(context.Context, string, int) (string, error) {
	return f.text, f.err
}

// capturerFunc adapts a function to a Capturer.
type capturerFunc func(ctx context.Context, session string, lines int) (string, error)

func (f capturerFunc) CapturePane(ctx context.Context, session string, lines int) (string, error) {
	return f(ctx, session, lines)
}

// fakeRecording captures the traffic written to a recording.
type fakeRecording struct {
	mu     sync.Mutex
	output bytes.Buffer
	input  bytes.Buffer
	closed bool
}

func (r *fakeRecording) WriteOutput(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output.Write(data)
	return nil
}

func (r *fakeRecording) WriteInput(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input.Write(data)
	return nil
}

func (r *fakeRecording) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeRecordings struct {
	mu     sync.Mutex
	opened []*fakeRecording
}

func (f *fakeRecordings) Open(string, int) (Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRecording{}
	f.opened = append(f.opened, r)
	return r, nil
}

// fakeStore keeps the last persisted state and every event.
type fakeStore struct {
	mu     sync.Mutex
	last   *model.Session
	events []model.EventKind
}

func (f *fakeStore) Upsert(_ context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.last = &cp
	return nil
}

func (f *fakeStore) RecordEvent(_ context.Context, e *model.SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e.Kind)
	return nil
}

func (f *fakeStore) kinds() []model.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.EventKind(nil), f.events...)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, within time.Duration, cond func() bool, msg string, args ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(msg, args...)
}

// fastBroadcast keeps tests quick.
var fastBroadcast = BroadcasterConfig{
	PollTimeout:   5 * time.Millisecond,
	SendTimeout:   200 * time.Millisecond,
	LivenessEvery: 4,
}

// waitUntil is eventually without failing the test.
func waitUntil(within time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
