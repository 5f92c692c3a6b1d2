package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/termlinkky/server/internal/buffer"
)

// Private is a session owned by a single client. It has its own process and
// read loop, no fallback input and no recovery: when the process ends the
// session is over.
type Private struct {
	cfg     Config
	spawner Spawner
	logger  *zap.Logger

	client   *Client
	registry *Registry
	history  *buffer.History
	router   *Router

	mu          sync.Mutex
	bridge      Bridge
	broadcaster *Broadcaster

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewPrivate creates a private session for sink. Only deps.Spawner and
// deps.Logger are used.
func NewPrivate(cfg Config, deps Deps, sink Sink) *Private {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.HistoryBytes <= 0 {
		cfg.HistoryBytes = buffer.DefaultHistorySize
	}
	cfg.Broadcast = cfg.Broadcast.withDefaults()

	client := newClient(sink)
	logger := deps.Logger.Named("private").With(zap.String("client", client.id))
	return &Private{
		cfg:      cfg,
		spawner:  deps.Spawner,
		logger:   logger,
		client:   client,
		registry: NewRegistry(),
		history:  buffer.NewHistory(cfg.HistoryBytes),
		router:   NewRouter(RouterOptions{Session: cfg.Name, Logger: logger}),
		done:     make(chan struct{}),
	}
}

// Client returns the owning client.
func (p *Private) Client() *Client {
	return p.client
}

// Start spawns the process and begins streaming its output to the client.
func (p *Private) Start(ctx context.Context) error {
	if p.spawner == nil {
		return errors.New("session: a spawner is required")
	}

	bridge, err := p.spawner.Start(ctx)
	if err != nil {
		p.logger.Warn("private session start failed", zap.Error(err))
		return err
	}

	b := NewBroadcaster(bridge, p.registry, BroadcasterOptions{
		Config:  p.cfg.Broadcast,
		History: p.history,
		OnExit: func(reason ExitReason, err error) {
			p.logger.Info("private session ended", zap.Stringer("reason", reason))
			p.finish()
		},
		Logger: p.logger,
	})

	p.mu.Lock()
	p.bridge = bridge
	p.broadcaster = b
	p.mu.Unlock()

	p.registry.Add(p.client)
	p.router.SetBridge(bridge, nil)
	if err := b.Start(); err != nil {
		return err
	}

	p.logger.Info("private session started", zap.Int("pid", bridge.PID()))
	return nil
}

// Route writes input into the private process.
func (p *Private) Route(ctx context.Context, data []byte) error {
	_, err := p.router.Route(ctx, data)
	return err
}

// Done is closed when the process has ended or the session was closed.
func (p *Private) Done() <-chan struct{} {
	return p.done
}

// Close stops the read loop and terminates the process.
func (p *Private) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		b := p.broadcaster
		bridge := p.bridge
		p.mu.Unlock()

		if b != nil {
			b.Stop()
		}
		p.router.Detach()
		if bridge != nil {
			p.closeErr = bridge.Terminate()
		}
		p.registry.Remove(p.client.id)
		p.finish()
	})
	return p.closeErr
}

func (p *Private) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}
