package handler

import (
	"errors"
	"net/http"

	"textbuddies/backend/internal/chathub"
	"textbuddies/backend/internal/storage"

	"github.com/gin-gonic/gin"
)

// ServeWebSocket upgrades an authenticated request and attaches a chat client
// for the session to the hub.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	sessionID := c.GetString(ctxSessionKey)
	session, err := h.Store.GetSession(c.Request.Context(), sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown session"})
		return
	}
	if err != nil {
		h.Log.Error("session lookup failed", "session_id", sessionID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the request
		h.Log.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	chat := chathub.NewChatClient(h.Chat, session, h.language(c))
	client := chathub.NewWebSocketClient(conn, h.Hub, chat, h.Log, h.Chat.OperationTimeout)
	if !h.Hub.Register(client) {
		client.Close()
		_ = conn.Close()
		return
	}
	client.Run()
}

// language picks the lang query parameter when a bundle exists for it.
func (h *Handler) language(c *gin.Context) string {
	lang := c.Query("lang")
	if lang != "" && h.Chat.Localizer != nil && h.Chat.Localizer.Supports(lang) {
		return lang
	}
	return h.DefaultLanguage
}
