package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/termlinkky/server/internal/ws"
)

// TerminalHandler serves the terminal WebSocket endpoints.
type TerminalHandler struct {
	ws      *ws.Handler
	private bool
}

// NewTerminalHandler creates a new TerminalHandler. The private route is
// registered only when private is set.
func NewTerminalHandler(wsHandler *ws.Handler, private bool) *TerminalHandler {
	return &TerminalHandler{
		ws:      wsHandler,
		private: private,
	}
}

// Shared handles GET /terminal - attaches to the shared session.
func (h *TerminalHandler) Shared(c *gin.Context) {
	h.ws.ServeShared(c.Writer, c.Request)
}

// Private handles GET /terminal/private - starts a session for this
// connection alone.
func (h *TerminalHandler) Private(c *gin.Context) {
	h.ws.ServePrivate(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket routes.
func (h *TerminalHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/terminal", h.Shared)
	if h.private {
		r.GET("/terminal/private", h.Private)
	}
}
