package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/termlinkky/server/internal/buffer"
)

const (
	DefaultPollTimeout   = 50 * time.Millisecond
	DefaultSendTimeout   = 2 * time.Second
	DefaultLivenessEvery = 100
)

// BroadcasterState is the lifecycle state of a Broadcaster.
type BroadcasterState int32

const (
	StateIdle BroadcasterState = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s BroadcasterState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ExitReason says why a read loop ended on its own.
type ExitReason int

const (
	// ExitProcess means the liveness probe found the child gone.
	ExitProcess ExitReason = iota
	// ExitEOF means the child closed its side of the terminal.
	ExitEOF
	// ExitIOError means reading from the terminal failed.
	ExitIOError
)

func (r ExitReason) String() string {
	switch r {
	case ExitProcess:
		return "process_exited"
	case ExitEOF:
		return "eof"
	case ExitIOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// BroadcasterConfig holds the read loop timings.
type BroadcasterConfig struct {
	// PollTimeout bounds each read of the bridge.
	PollTimeout time.Duration
	// SendTimeout bounds each delivery to one client.
	SendTimeout time.Duration
	// LivenessEvery is the number of consecutive idle polls between
	// liveness probes.
	LivenessEvery int
}

func (c BroadcasterConfig) withDefaults() BroadcasterConfig {
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.LivenessEvery <= 0 {
		c.LivenessEvery = DefaultLivenessEvery
	}
	return c
}

// BroadcasterOptions wires a Broadcaster to the rest of the session.
type BroadcasterOptions struct {
	Config BroadcasterConfig

	// History receives every chunk before it is delivered. Required.
	History *buffer.History

	// Recording receives a copy of every chunk. Optional.
	Recording Recording

	// TickLock is held while a chunk is appended to History and the member
	// list is taken. A joiner holding it sees a consistent history and
	// membership. Optional.
	TickLock sync.Locker

	// OnExit is called once, from the loop goroutine after the loop has
	// finished, when the loop ends on its own. It is not called after Stop.
	OnExit func(reason ExitReason, err error)

	Logger *zap.Logger
}

// Broadcaster runs the single read loop of one bridge and fans each chunk
// out to every member of a Fanout.
type Broadcaster struct {
	bridge  Bridge
	members Fanout
	opts    BroadcasterOptions
	cfg     BroadcasterConfig
	logger  *zap.Logger

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewBroadcaster creates an idle Broadcaster.
func NewBroadcaster(bridge Bridge, members Fanout, opts BroadcasterOptions) *Broadcaster {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TickLock == nil {
		opts.TickLock = &sync.Mutex{}
	}
	if opts.History == nil {
		opts.History = buffer.NewHistory(buffer.DefaultHistorySize)
	}
	return &Broadcaster{
		bridge:  bridge,
		members: members,
		opts:    opts,
		cfg:     opts.Config.withDefaults(),
		logger:  opts.Logger.Named("broadcaster").With(zap.Int("pid", bridge.PID())),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (b *Broadcaster) State() BroadcasterState {
	return BroadcasterState(b.state.Load())
}

// Start launches the read loop. It fails unless the Broadcaster is idle.
func (b *Broadcaster) Start() error {
	if !b.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errors.New("broadcaster already started")
	}
	go b.run()
	return nil
}

// Stop ends the read loop after the current tick and waits for it.
// The exit callback is not invoked.
func (b *Broadcaster) Stop() {
	if b.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		close(b.done)
		return
	}
	b.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// Done is closed when the read loop has finished.
func (b *Broadcaster) Done() <-chan struct{} {
	return b.done
}

func (b *Broadcaster) stopRequested() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) run() {
	reason, ended, err := b.loop()

	b.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	b.state.Store(int32(StateStopped))
	close(b.done)

	if !ended || b.stopRequested() {
		b.logger.Debug("read loop stopped")
		return
	}
	if reason == ExitIOError {
		b.logger.Error("read loop ended", zap.Stringer("reason", reason), zap.Error(err))
	} else {
		b.logger.Info("read loop ended", zap.Stringer("reason", reason))
	}
	if b.opts.OnExit != nil {
		b.opts.OnExit(reason, err)
	}
}

// loop returns ended=false when stopped on request.
func (b *Broadcaster) loop() (ExitReason, bool, error) {
	idle := 0
	for {
		if b.stopRequested() {
			return 0, false, nil
		}

		chunk, err := b.bridge.ReadChunk(b.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ExitEOF, true, err
			}
			return ExitIOError, true, err
		}

		if len(chunk) == 0 {
			idle++
			if idle >= b.cfg.LivenessEvery {
				idle = 0
				if !b.bridge.IsAlive() {
					return ExitProcess, true, nil
				}
			}
			continue
		}

		idle = 0
		b.tick(chunk)
	}
}

// tick records one chunk and delivers it to every member. It returns when
// every delivery has finished or timed out, so the next chunk cannot
// overtake this one.
func (b *Broadcaster) tick(chunk []byte) {
	b.opts.TickLock.Lock()
	b.opts.History.Append(chunk)
	members := b.members.Members()
	b.opts.TickLock.Unlock()

	if b.opts.Recording != nil {
		if err := b.opts.Recording.WriteOutput(chunk); err != nil {
			b.logger.Warn("recording output failed", zap.Error(err))
		}
	}

	var wg sync.WaitGroup
	for _, c := range members {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			b.deliver(c, chunk)
		}(c)
	}
	wg.Wait()
}

func (b *Broadcaster) deliver(c *Client, chunk []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
	defer cancel()

	if err := c.deliver(ctx, chunk); err != nil {
		if b.members.Remove(c.id) {
			b.logger.Warn("dropping client", zap.String("client", c.id), zap.Error(err))
		}
		c.close()
	}
}
