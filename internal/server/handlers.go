package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Tyrowin/supportchat/internal/auth"
	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/identity"
	"github.com/Tyrowin/supportchat/internal/logging"
	"github.com/Tyrowin/supportchat/internal/relay"
)

// Handlers serves the REST surface.
type Handlers struct {
	identity    *identity.Registry
	history     *relay.HistoryService
	credentials auth.CredentialChecker
}

// NewHandlers creates the REST handlers.
func NewHandlers(ids *identity.Registry, history *relay.HistoryService, credentials auth.CredentialChecker) *Handlers {
	return &Handlers{
		identity:    ids,
		history:     history,
		credentials: credentials,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type provisionRequest struct {
	DisplayName string `json:"displayName"`
}

type provisionResponse struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	Room        string `json:"room"`
}

type userResponse struct {
	SessionID   string    `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// ProvisionUser handles POST /users.
func (h *Handlers) ProvisionUser(c *gin.Context) {
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	u, err := h.identity.Provision(c.Request.Context(), req.DisplayName)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "displayName required"})
			return
		}
		l := logging.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to provision user")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "failed to provision user"})
		return
	}

	c.JSON(http.StatusOK, provisionResponse{
		SessionID:   u.SessionID,
		DisplayName: u.DisplayName,
		Room:        u.Room(),
	})
}

// GetUser handles GET /users/:sessionId.
func (h *Handlers) GetUser(c *gin.Context) {
	u, found, err := h.identity.Lookup(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		l := logging.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to look up user")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "failed to look up user"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{})
		return
	}

	c.JSON(http.StatusOK, userResponse{
		SessionID:   u.SessionID,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	})
}

// GetChat handles GET /chats/:room.
func (h *Handlers) GetChat(c *gin.Context) {
	msgs, err := h.history.History(c.Request.Context(), c.Param("room"), c.Query("sessionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// ListRooms handles GET /rooms.
func (h *Handlers) ListRooms(c *gin.Context) {
	rooms, err := h.history.ListRooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// ClearChat handles POST /chats/:room/clear.
func (h *Handlers) ClearChat(c *gin.Context) {
	if err := h.history.ClearRoom(c.Request.Context(), c.Param("room")); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: true})
}

// AdminLogin handles POST /admin/login.
func (h *Handlers) AdminLogin(c *gin.Context) {
	var creds auth.Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	principal, err := h.credentials.Check(c.Request.Context(), creds)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, principal)
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, okResponse{OK: true})
}

// serveWebSocket upgrades GET /ws and hands the connection to the hub, which
// starts its pumps.
func (s *Server) serveWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l := logging.Ctx(c.Request.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(uuid.New().String(), conn, s.hub, s.relay, s.cfg.WebSocket, c.ClientIP())

	select {
	case s.hub.register <- client:
	case <-s.hub.ctx.Done():
		_ = conn.Close()
	}
}
