// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/termlinkky/server/internal/model"
	"github.com/termlinkky/server/internal/session"
)

const maxEventLimit = 500

// SessionHub is the shared session as seen by the HTTP API.
type SessionHub interface {
	Status() session.Status
	Restart(ctx context.Context) error
}

// EventStore reads the persisted session state and lifecycle log.
type EventStore interface {
	Get(ctx context.Context, name string) (*model.Session, error)
	ListEvents(ctx context.Context, name string, limit int) ([]*model.SessionEvent, error)
}

// SessionHandler serves the shared session's status and lifecycle.
type SessionHandler struct {
	hub     SessionHub
	store   EventStore
	service string
}

// NewSessionHandler creates a new SessionHandler. store may be nil when
// persistence is disabled.
func NewSessionHandler(hub SessionHub, store EventStore) *SessionHandler {
	return &SessionHandler{
		hub:     hub,
		store:   store,
		service: "termlinkky",
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string         `json:"status"`
	Service string         `json:"service"`
	Session session.Status `json:"session"`
	Uptime  string         `json:"uptime"`
}

// SessionResponse is the body of GET /api/session.
type SessionResponse struct {
	Live      session.Status `json:"live"`
	Persisted *model.Session `json:"persisted,omitempty"`
}

func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Health handles GET /health.
func (h *SessionHandler) Health(c *gin.Context) {
	st := h.hub.Status()
	status := "ok"
	if st.State == model.SessionStatusDegraded {
		status = "degraded"
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:  status,
		Service: h.service,
		Session: st,
		Uptime:  formatDuration(time.Since(st.CreatedAt)),
	})
}

// Get handles GET /api/session - the live and the persisted session state.
func (h *SessionHandler) Get(c *gin.Context) {
	st := h.hub.Status()
	resp := SessionResponse{Live: st}

	if h.store != nil {
		persisted, err := h.store.Get(c.Request.Context(), st.Name)
		switch {
		case err == nil:
			resp.Persisted = persisted
		case errors.Is(err, model.ErrSessionNotFound):
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Events handles GET /api/session/events?limit=N - the lifecycle log,
// newest first.
func (h *SessionHandler) Events(c *gin.Context) {
	if h.store == nil {
		sendError(c, http.StatusNotFound, "PERSISTENCE_DISABLED", "Session events are not recorded")
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	events, err := h.store.ListEvents(c.Request.Context(), h.hub.Status().Name, limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list events: "+err.Error())
		return
	}
	if events == nil {
		events = []*model.SessionEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// Restart handles POST /api/session/restart - replaces the session's
// process. Attached clients stay connected.
func (h *SessionHandler) Restart(c *gin.Context) {
	if err := h.hub.Restart(c.Request.Context()); err != nil {
		switch {
		case errors.Is(err, model.ErrHubClosed):
			sendError(c, http.StatusServiceUnavailable, "SESSION_CLOSED", err.Error())
		case errors.Is(err, model.ErrSpawn):
			sendError(c, http.StatusBadGateway, "SPAWN_FAILED", err.Error())
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to restart session: "+err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, h.hub.Status())
}

// RegisterRoutes registers the session routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/session", h.Get)
	rg.GET("/session/events", h.Events)
	rg.POST("/session/restart", h.Restart)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return strconv.Itoa(int(h)) + "h" + strconv.Itoa(int(m)) + "m" + strconv.Itoa(int(s)) + "s"
	}
	if m > 0 {
		return strconv.Itoa(int(m)) + "m" + strconv.Itoa(int(s)) + "s"
	}
	return strconv.Itoa(int(s)) + "s"
}
