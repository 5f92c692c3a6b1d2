package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/termlinkky/server/internal/buffer"
	"github.com/termlinkky/server/internal/model"
)

const (
	DefaultRestartBackoff = time.Second
	DefaultStableAfter    = 10 * time.Second
	maxRestartBackoff     = 30 * time.Second
	storeTimeout          = 2 * time.Second
)

// SupervisorOptions wires a Supervisor to the session it maintains.
type SupervisorOptions struct {
	Name    string
	Spawner Spawner

	Router  *Router
	Members Fanout
	History *buffer.History

	// TickLock is shared with every broadcaster the supervisor starts.
	TickLock sync.Locker

	Broadcast BroadcasterConfig

	// RestartBackoff is the minimum spacing between two starts and the
	// first retry delay after a failed start.
	RestartBackoff time.Duration

	// StableAfter is how long a bridge must run before its exit clears the
	// retry backoff. Exits before that count as a crash loop.
	StableAfter time.Duration

	Recordings Recordings
	Store      StatusStore
	Logger     *zap.Logger
}

// Supervisor owns the session's current bridge and replaces it after
// failures. Concurrent restart requests collapse into one attempt.
type Supervisor struct {
	opts        SupervisorOptions
	backoff     time.Duration
	stableAfter time.Duration
	logger      *zap.Logger

	group singleflight.Group

	// ctx is cancelled by Close and bounds every spawn.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	current     *Session
	broadcaster *Broadcaster
	recording   Recording
	createdAt   time.Time
	generation  int
	restarts    int
	status      model.SessionStatus
	lastErr     error
	lastStart   time.Time
	startedAt   time.Time
	crashLoop   bool
	retryDelay  time.Duration
	retryTimer  *time.Timer
}

// NewSupervisor creates a Supervisor with no bridge.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TickLock == nil {
		opts.TickLock = &sync.Mutex{}
	}
	backoff := opts.RestartBackoff
	if backoff < 0 {
		backoff = 0
	}

	stableAfter := opts.StableAfter
	if stableAfter <= 0 {
		stableAfter = DefaultStableAfter
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:        opts,
		backoff:     backoff,
		stableAfter: stableAfter,
		logger:    opts.Logger.Named("supervisor").With(zap.String("session", opts.Name)),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
		status:    model.SessionStatusStopped,
	}
}

// Current returns the live session, or nil when there is none.
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Ensure makes sure a bridge is running. The first start is synchronous and
// its error is returned. Once a session has existed, a missing bridge only
// triggers an asynchronous restart.
func (s *Supervisor) Ensure(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.ErrHubClosed
	}
	running := s.current != nil
	started := s.generation > 0
	s.mu.Unlock()

	switch {
	case running:
		return nil
	case started:
		s.Trigger()
		return nil
	default:
		return s.Restart(ctx)
	}
}

// Restart tears down the current bridge, if any, and starts a new one.
// Callers arriving while a restart is in flight share its result.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.do(ctx, func() error { return s.restart() })
}

// Trigger requests, without waiting, a restart when there is no bridge.
func (s *Supervisor) Trigger() {
	s.Replace(nil)
}

// Replace requests, without waiting, a restart if failed is still the
// current bridge. A nil failed means "if there is no bridge". Requests
// about a bridge that has already been replaced are ignored.
func (s *Supervisor) Replace(failed Bridge) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	go func() {
		err := s.do(s.ctx, func() error {
			if s.currentBridge() != failed {
				return nil
			}
			return s.restart()
		})
		if err != nil && !errors.Is(err, model.ErrHubClosed) && !errors.Is(err, context.Canceled) {
			s.logger.Warn("restart failed", zap.Error(err))
		}
	}()
}

func (s *Supervisor) do(ctx context.Context, fn func() error) error {
	ch := s.group.DoChan("restart", func() (interface{}, error) {
		return nil, fn()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) currentBridge() Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.bridge
}

func (s *Supervisor) restart() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.ErrHubClosed
	}
	var wait time.Duration
	if !s.lastStart.IsZero() {
		wait = s.backoff - time.Since(s.lastStart)
	}
	s.mu.Unlock()

	if wait > 0 {
		s.logger.Debug("delaying restart", zap.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-s.ctx.Done():
			return model.ErrHubClosed
		}
	}

	s.teardown()
	s.setStatus(model.SessionStatusStarting)

	bridge, err := s.opts.Spawner.Start(s.ctx)

	s.mu.Lock()
	s.lastStart = time.Now()
	if s.closed {
		s.mu.Unlock()
		if bridge != nil {
			bridge.Terminate()
		}
		return model.ErrHubClosed
	}
	if err != nil {
		s.status = model.SessionStatusDegraded
		s.lastErr = err
		delay := s.scheduleRetryLocked(nil)
		s.mu.Unlock()

		s.logger.Error("session start failed", zap.Error(err), zap.Duration("retry_in", delay))
		s.persist(model.EventSpawnFailed, err.Error())
		return err
	}

	s.generation++
	if s.generation > 1 {
		s.restarts++
	}
	gen := s.generation
	sess := &Session{
		Name:       s.opts.Name,
		CreatedAt:  s.createdAt,
		Generation: gen,
		bridge:     bridge,
	}

	var rec Recording
	if s.opts.Recordings != nil {
		if rec, err = s.opts.Recordings.Open(s.opts.Name, gen); err != nil {
			s.logger.Warn("recording disabled for this generation", zap.Error(err))
			rec = nil
		}
	}

	b := NewBroadcaster(bridge, s.opts.Members, BroadcasterOptions{
		Config:    s.opts.Broadcast,
		History:   s.opts.History,
		Recording: rec,
		TickLock:  s.opts.TickLock,
		OnExit: func(reason ExitReason, err error) {
			s.handleExit(gen, reason, err)
		},
		Logger: s.logger.With(zap.Int("generation", gen)),
	})

	s.current = sess
	s.broadcaster = b
	s.recording = rec
	s.status = model.SessionStatusRunning
	s.lastErr = nil
	s.startedAt = s.lastStart
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	s.opts.Router.SetBridge(bridge, rec)
	b.Start()

	s.logger.Info("session started", zap.Int("generation", gen), zap.Int("pid", bridge.PID()))
	if gen > 1 {
		s.persist(model.EventRestarted, "")
	} else {
		s.persist(model.EventStarted, "")
	}
	return nil
}

// scheduleRetryLocked arms the retry timer with exponential backoff. When it
// fires, failed is replaced if it is still current. It requires s.mu.
func (s *Supervisor) scheduleRetryLocked(failed Bridge) time.Duration {
	switch {
	case s.retryDelay == 0:
		s.retryDelay = s.backoff
		if s.retryDelay == 0 {
			s.retryDelay = DefaultRestartBackoff
		}
	default:
		s.retryDelay *= 2
	}
	if s.retryDelay > maxRestartBackoff {
		s.retryDelay = maxRestartBackoff
	}

	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(s.retryDelay, func() { s.Replace(failed) })
	return s.retryDelay
}

// FallbackUsed records that input left the direct path because of failed
// and requests its replacement.
func (s *Supervisor) FallbackUsed(failed Bridge, cause error) {
	go s.persist(model.EventFallbackUsed, cause.Error())
	s.Replace(failed)
}

func (s *Supervisor) handleExit(gen int, reason ExitReason, err error) {
	s.mu.Lock()
	if s.closed || s.generation != gen || s.current == nil {
		s.mu.Unlock()
		return
	}
	failed := s.current.bridge
	s.status = model.SessionStatusDegraded
	s.lastErr = err

	// The first quick exit restarts at once. Further quick exits in a row
	// back off exponentially until a bridge stays up for stableAfter.
	var delay time.Duration
	switch {
	case time.Since(s.startedAt) >= s.stableAfter:
		s.crashLoop = false
		s.retryDelay = 0
	case s.crashLoop:
		delay = s.scheduleRetryLocked(failed)
	default:
		s.crashLoop = true
	}
	s.mu.Unlock()

	detail := reason.String()
	if err != nil {
		detail += ": " + err.Error()
	}
	s.persist(model.EventExited, detail)
	if delay > 0 {
		s.logger.Warn("session exited soon after start", zap.Duration("retry_in", delay))
		return
	}
	s.Replace(failed)
}

// teardown stops the current broadcaster and terminates its bridge.
func (s *Supervisor) teardown() {
	s.mu.Lock()
	b := s.broadcaster
	sess := s.current
	rec := s.recording
	s.broadcaster = nil
	s.current = nil
	s.recording = nil
	s.mu.Unlock()

	s.opts.Router.Detach()
	if b != nil {
		b.Stop()
	}
	if sess != nil {
		if err := sess.bridge.Terminate(); err != nil {
			s.logger.Debug("terminate old bridge", zap.Error(err))
		}
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			s.logger.Warn("close recording", zap.Error(err))
		}
	}
}

func (s *Supervisor) setStatus(status model.SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Close stops the session for good. Pending and future restarts fail with
// model.ErrHubClosed.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.teardown()

	s.mu.Lock()
	s.status = model.SessionStatusStopped
	s.mu.Unlock()
	s.persist(model.EventClosed, "")
}

// Snapshot returns the persisted view of the session.
func (s *Supervisor) Snapshot() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &model.Session{
		Name:       s.opts.Name,
		Status:     s.status,
		Generation: s.generation,
		Restarts:   s.restarts,
		CreatedAt:  s.createdAt,
		UpdatedAt:  time.Now(),
	}
	if s.current != nil {
		pid := s.current.bridge.PID()
		out.PID = &pid
	}
	if s.lastErr != nil {
		out.LastError = s.lastErr.Error()
	}
	return out
}

// BroadcasterState returns the state of the current read loop.
func (s *Supervisor) BroadcasterState() BroadcasterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcaster == nil {
		return StateStopped
	}
	return s.broadcaster.State()
}

func (s *Supervisor) persist(kind model.EventKind, detail string) {
	if s.opts.Store == nil {
		return
	}
	snap := s.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := s.opts.Store.Upsert(ctx, snap); err != nil {
		s.logger.Warn("persist session state", zap.Error(err))
	}
	event := &model.SessionEvent{
		SessionName: s.opts.Name,
		Kind:        kind,
		Detail:      detail,
		CreatedAt:   time.Now(),
	}
	if err := s.opts.Store.RecordEvent(ctx, event); err != nil {
		s.logger.Warn("record session event", zap.Error(err))
	}
}
