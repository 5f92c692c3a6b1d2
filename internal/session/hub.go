package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/termlinkky/server/internal/buffer"
	"github.com/termlinkky/server/internal/model"
)

// DefaultCaptureLines is how much scrollback a join capture asks for.
const DefaultCaptureLines = 1000

// Config holds the settings of one logical session.
type Config struct {
	Name string

	// HistoryBytes caps the output history replayed to joiners.
	HistoryBytes int

	// CaptureLines is the scrollback requested from the Capturer at join.
	// Zero disables screen capture.
	CaptureLines int

	Broadcast      BroadcasterConfig
	RestartBackoff time.Duration
}

// Deps are the collaborators of a session. Only Spawner is required.
type Deps struct {
	Spawner    Spawner
	Injector   Injector
	Capturer   Capturer
	Recordings Recordings
	Store      StatusStore
	Logger     *zap.Logger
}

// Viewer describes one attached client.
type Viewer struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Status is a point-in-time view of the hub.
type Status struct {
	Name         string              `json:"name"`
	State        model.SessionStatus `json:"state"`
	Generation   int                 `json:"generation"`
	Restarts     int                 `json:"restarts"`
	PID          int                 `json:"pid,omitempty"`
	Clients      int                 `json:"clients"`
	Viewers      []Viewer            `json:"viewers,omitempty"`
	InputPath    string              `json:"inputPath"`
	Broadcaster  string              `json:"broadcaster"`
	HistoryBytes int                 `json:"historyBytes"`
	Preview      string              `json:"preview,omitempty"`
	LastError    string              `json:"lastError,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// Hub is the shared session. Every joined client receives the same output
// and may send input. The child process is started by the first Join and
// outlives its clients.
type Hub struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	history    *buffer.History
	registry   *Registry
	router     *Router
	supervisor *Supervisor

	// tickMu orders joins against broadcast ticks.
	tickMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewHub creates the shared session without starting it.
func NewHub(cfg Config, deps Deps) (*Hub, error) {
	if cfg.Name == "" {
		return nil, model.ErrSessionNameRequired
	}
	if deps.Spawner == nil {
		return nil, errors.New("session: a spawner is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.HistoryBytes <= 0 {
		cfg.HistoryBytes = buffer.DefaultHistorySize
	}
	cfg.Broadcast = cfg.Broadcast.withDefaults()

	h := &Hub{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.Named("hub").With(zap.String("session", cfg.Name)),
		history:  buffer.NewHistory(cfg.HistoryBytes),
		registry: NewRegistry(),
	}
	h.router = NewRouter(RouterOptions{
		Session:  cfg.Name,
		Injector: deps.Injector,
		OnFallback: func(failed Bridge, cause error) {
			h.supervisor.FallbackUsed(failed, cause)
		},
		Logger: deps.Logger,
	})
	h.supervisor = NewSupervisor(SupervisorOptions{
		Name:           cfg.Name,
		Spawner:        deps.Spawner,
		Router:         h.router,
		Members:        h.registry,
		History:        h.history,
		TickLock:       &h.tickMu,
		Broadcast:      cfg.Broadcast,
		RestartBackoff: cfg.RestartBackoff,
		Recordings:     deps.Recordings,
		Store:          deps.Store,
		Logger:         deps.Logger,
	})
	return h, nil
}

// Join attaches sink to the session, starting the session if this is the
// first join. Before any live output, the client receives a snapshot: the
// captured screen when a Capturer is configured and returns content,
// otherwise the output history. Nothing is sent when both are empty.
func (h *Hub) Join(ctx context.Context, sink Sink) (*Client, error) {
	if h.closed.Load() {
		return nil, model.ErrHubClosed
	}
	if err := h.supervisor.Ensure(ctx); err != nil {
		return nil, err
	}

	// The capture runs outside tickMu. Output broadcast while it was taken
	// is appended from the history, so it may repeat but is never missed.
	before := h.history.Total()
	snapshot := h.capture(ctx)
	c := newClient(sink)

	h.tickMu.Lock()
	if h.closed.Load() {
		h.tickMu.Unlock()
		return nil, model.ErrHubClosed
	}
	snapshot = h.catchUp(snapshot, before)
	h.registry.Add(c)
	// Hold the client's send lock before releasing tickMu so the next tick
	// queues behind the snapshot.
	c.lockSend()
	h.tickMu.Unlock()

	var err error
	if len(snapshot) > 0 {
		sendCtx, cancel := context.WithTimeout(ctx, h.cfg.Broadcast.SendTimeout)
		err = c.send(sendCtx, snapshot)
		cancel()
	}
	c.unlockSend()

	if err != nil {
		h.registry.Remove(c.id)
		h.logger.Warn("join snapshot failed", zap.String("client", c.id), zap.Error(err))
		return nil, err
	}

	h.logger.Info("client joined",
		zap.String("client", c.id),
		zap.Int("snapshot_bytes", len(snapshot)),
		zap.Int("clients", h.registry.Len()))
	return c, nil
}

// catchUp completes a screen capture with the output appended to the
// history since before. It requires tickMu. Without a capture, or when the
// missed output has already been evicted, the history snapshot is used.
func (h *Hub) catchUp(captured []byte, before uint64) []byte {
	if len(captured) == 0 {
		return h.history.Snapshot()
	}
	missed := h.history.Total() - before
	if missed == 0 {
		return captured
	}
	if missed > uint64(h.history.Len()) {
		return h.history.Snapshot()
	}
	return append(captured, h.history.Tail(int(missed))...)
}

func (h *Hub) capture(ctx context.Context) []byte {
	if h.deps.Capturer == nil || h.cfg.CaptureLines <= 0 {
		return nil
	}
	text, err := h.deps.Capturer.CapturePane(ctx, h.cfg.Name, h.cfg.CaptureLines)
	if err != nil {
		h.logger.Debug("screen capture unavailable", zap.Error(err))
		return nil
	}
	return []byte(text)
}

// Leave detaches a client. The session keeps running.
func (h *Hub) Leave(c *Client) {
	if c == nil {
		return
	}
	if h.registry.Remove(c.id) {
		h.logger.Info("client left", zap.String("client", c.id), zap.Int("clients", h.registry.Len()))
	}
}

// Route delivers input from any client to the session.
func (h *Hub) Route(ctx context.Context, p []byte) (Path, error) {
	if h.closed.Load() {
		return h.router.Path(), model.ErrHubClosed
	}
	return h.router.Route(ctx, p)
}

// Restart replaces the session's process. Clients stay attached.
func (h *Hub) Restart(ctx context.Context) error {
	if h.closed.Load() {
		return model.ErrHubClosed
	}
	return h.supervisor.Restart(ctx)
}

// Current returns the live session handle, or nil while there is none.
func (h *Hub) Current() *Session {
	return h.supervisor.Current()
}

// Path returns the current input path.
func (h *Hub) Path() Path {
	return h.router.Path()
}

// Clients returns the number of attached clients.
func (h *Hub) Clients() int {
	return h.registry.Len()
}

// Status returns a snapshot of the hub's state.
func (h *Hub) Status() Status {
	snap := h.supervisor.Snapshot()
	members := h.registry.Members()
	viewers := make([]Viewer, 0, len(members))
	for _, c := range members {
		viewers = append(viewers, Viewer{ID: c.ID(), JoinedAt: c.JoinedAt()})
	}
	st := Status{
		Name:         snap.Name,
		State:        snap.Status,
		Generation:   snap.Generation,
		Restarts:     snap.Restarts,
		Clients:      len(members),
		Viewers:      viewers,
		InputPath:    h.router.Path().String(),
		Broadcaster:  h.supervisor.BroadcasterState().String(),
		HistoryBytes: h.history.Len(),
		Preview:      previewLine(h.history.Tail(previewTail)),
		LastError:    snap.LastError,
		CreatedAt:    snap.CreatedAt,
	}
	if snap.PID != nil {
		st.PID = *snap.PID
	}
	return st
}

// Close stops the read loop, terminates the child and disconnects every
// client. Join and Route fail afterwards.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.tickMu.Lock()
		h.closed.Store(true)
		h.tickMu.Unlock()

		h.supervisor.Close()

		h.registry.ForEach(func(c *Client) {
			h.registry.Remove(c.id)
			c.close()
		})
		h.logger.Info("session closed")
	})
	return nil
}
