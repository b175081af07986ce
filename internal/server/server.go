package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/supportchat/internal/auth"
	"github.com/Tyrowin/supportchat/internal/config"
	"github.com/Tyrowin/supportchat/internal/identity"
	"github.com/Tyrowin/supportchat/internal/logging"
	"github.com/Tyrowin/supportchat/internal/relay"
)

// Relay groups the core services a connection talks to.
type Relay struct {
	Rooms   *relay.RoomRegistry
	Router  *relay.Router
	History *relay.HistoryService
}

// Deps are the collaborators of a Server. Hub must be the Broadcaster the
// Router was built with.
type Deps struct {
	Hub         *Hub
	Relay       *Relay
	Identity    *identity.Registry
	Credentials auth.CredentialChecker
}

// Server is the HTTP and WebSocket front of the relay.
type Server struct {
	cfg      config.Config
	hub      *Hub
	relay    *Relay
	handlers *Handlers
	origins  *originPolicy
	upgrader websocket.Upgrader
	engine   *gin.Engine
	http     *http.Server
}

// New builds the server and starts its hub.
func New(cfg config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		hub:      deps.Hub,
		relay:    deps.Relay,
		handlers: NewHandlers(deps.Identity, deps.Relay.History, deps.Credentials),
		origins:  newOriginPolicy(cfg.Server.AllowedOrigins),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.engine = s.setupRoutes()
	s.http = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go s.hub.Run()
	return s
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	l := logging.L()
	l.Info().Str(logging.FieldAddr, s.http.Addr).Msg("server listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every live connection.
// Both steps share the deadline of ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	l := logging.L()
	l.Info().Msg("shutting down HTTP server")

	httpErr := s.http.Shutdown(ctx)
	if httpErr != nil {
		l.Warn().Err(httpErr).Msg("HTTP server shutdown error")
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	return errors.Join(httpErr, s.hub.Shutdown(timeout))
}
