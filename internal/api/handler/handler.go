package handler

import (
	"log/slog"
	"net/http"
	"time"

	"textbuddies/backend/internal/chathub"
	"textbuddies/backend/internal/localization"
	"textbuddies/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handler holds what the HTTP routes need: the store for sessions, the hub for
// live connections and the shared chat services for new clients.
type Handler struct {
	Store  storage.Storage
	Hub    *chathub.ManagerService
	Chat   chathub.ChatServices
	Tokens *TokenIssuer
	Log    *slog.Logger

	DefaultLanguage string

	upgrader websocket.Upgrader
}

func NewHandler(store storage.Storage, hub *chathub.ManagerService, chat chathub.ChatServices, tokens *TokenIssuer, log *slog.Logger) *Handler {
	return &Handler{
		Store:           store,
		Hub:             hub,
		Chat:            chat,
		Tokens:          tokens,
		Log:             log,
		DefaultLanguage: localization.DefaultLanguage,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the browser client is served from another origin in development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	api.POST("/sessions", h.CreateSession)
	api.GET("/stats", h.Stats)
	api.GET("/sessions/me", h.RequireSession(), h.GetMe)

	r.GET("/ws", h.RequireSession(), h.ServeWebSocket)
	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.Log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
