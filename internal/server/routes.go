package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Tyrowin/supportchat/internal/logging"
)

// setupRoutes builds the gin engine with every route of the relay.
func (s *Server) setupRoutes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware(logging.L()))
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  s.origins.allows,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", logging.HeaderRequestID},
		ExposeHeaders:    []string{logging.HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	h := s.handlers
	r.GET("/health", h.Health)
	r.POST("/users", h.ProvisionUser)
	r.GET("/users/:sessionId", h.GetUser)
	r.GET("/chats/:room", h.GetChat)
	r.POST("/chats/:room/clear", h.ClearChat)
	r.GET("/rooms", h.ListRooms)
	r.POST("/admin/login", h.AdminLogin)
	r.GET("/ws", s.serveWebSocket)

	return r
}
