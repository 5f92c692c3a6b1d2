package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termlinkky/server/internal/model"
	"github.com/termlinkky/server/internal/session"
)

// Options configures a Handler.
type Options struct {
	// Hub is the shared session behind ServeShared.
	Hub *session.Hub

	// Private and PrivateDeps configure the per-connection sessions behind
	// ServePrivate. ServePrivate answers 404 when PrivateDeps has no Spawner.
	Private     session.Config
	PrivateDeps session.Deps

	Client ClientOptions

	// CheckOrigin overrides the upgrader's origin check.
	CheckOrigin func(r *http.Request) bool

	Logger *zap.Logger
}

// Handler upgrades HTTP requests to websocket connections and attaches them
// to a session.
type Handler struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		// Browser clients connect from anywhere the server is reachable.
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: opts.Logger.Named("ws"),
	}
}

// ServeShared attaches the connection to the shared session until either
// side goes away. The session keeps running afterwards.
func (h *Handler) ServeShared(w http.ResponseWriter, r *http.Request) {
	if h.opts.Hub == nil {
		http.Error(w, "shared session not configured", http.StatusNotFound)
		return
	}

	client, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	logger := h.logger.With(zap.String("remote", r.RemoteAddr))

	member, err := h.opts.Hub.Join(ctx, client)
	if err != nil {
		logger.Warn("join failed", zap.Error(err))
		client.CloseWithReason(websocket.CloseInternalServerErr, "session unavailable")
		return
	}
	logger = logger.With(zap.String("client", member.ID()))
	defer h.opts.Hub.Leave(member)

	err = client.ReadPump(ctx, func(ctx context.Context, data []byte) error {
		_, err := h.opts.Hub.Route(ctx, data)
		if errors.Is(err, model.ErrHubClosed) {
			return err
		}
		// Other failures drop the input and are logged by the router.
		return nil
	})
	if err != nil && !errors.Is(err, model.ErrHubClosed) && !errors.Is(err, context.Canceled) {
		logger.Debug("connection ended", zap.Error(err))
	}
}

// ServePrivate runs a fresh process for this connection alone and stops it
// when the connection ends.
func (h *Handler) ServePrivate(w http.ResponseWriter, r *http.Request) {
	if h.opts.PrivateDeps.Spawner == nil {
		http.Error(w, "private sessions not configured", http.StatusNotFound)
		return
	}

	client, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	deps := h.opts.PrivateDeps
	if deps.Logger == nil {
		deps.Logger = h.logger
	}
	priv := session.NewPrivate(h.opts.Private, deps, client)
	defer priv.Close()

	if err := priv.Start(ctx); err != nil {
		h.logger.Warn("private session failed to start", zap.String("remote", r.RemoteAddr), zap.Error(err))
		client.CloseWithReason(websocket.CloseInternalServerErr, "session unavailable")
		return
	}

	go func() {
		select {
		case <-priv.Done():
			client.Close()
		case <-client.Done():
		}
	}()

	if err := client.ReadPump(ctx, priv.Route); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("private connection ended", zap.Error(err))
	}
}

func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request) (*Client, bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the request.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil, false
	}
	client := NewClient(conn, h.opts.Client, h.logger)
	go client.WritePump()
	return client, true
}
