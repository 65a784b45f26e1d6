package handler

import (
	"errors"
	"net/http"

	"textbuddies/backend/internal/models"
	"textbuddies/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type createSessionRequest struct {
	Username string        `json:"username" binding:"required"`
	Gender   models.Gender `json:"gender"`
	// SessionID lets a browser that kept its id log in again.
	SessionID string `json:"session_id"`
}

type sessionResponse struct {
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
	Session   *models.Session `json:"session"`
}

// CreateSession is the login: it creates a waiting session, or returns the
// existing one when a known session_id is supplied, with a fresh token.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}
	ctx := c.Request.Context()

	if req.SessionID != "" {
		existing, err := h.Store.GetSession(ctx, req.SessionID)
		switch {
		case err == nil:
			h.respondSession(c, http.StatusOK, existing)
			return
		case !errors.Is(err, storage.ErrNotFound):
			h.Log.Error("session lookup failed", "session_id", req.SessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}
	}

	session := &models.Session{SessionID: req.SessionID, Username: req.Username, Gender: req.Gender}
	session.Normalize()
	if err := session.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username must be 2-20 characters and gender one of male, female, other"})
		return
	}

	if err := h.Store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "session already exists"})
			return
		}
		h.Log.Error("create session failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	h.Log.Info("session created", "session_id", session.SessionID)
	h.respondSession(c, http.StatusCreated, session)
}

func (h *Handler) respondSession(c *gin.Context, status int, session *models.Session) {
	token, err := h.Tokens.Issue(session.SessionID)
	if err != nil {
		h.Log.Error("token issue failed", "session_id", session.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	c.JSON(status, sessionResponse{SessionID: session.SessionID, Token: token, Session: session})
}

// GetMe returns the session the token was issued for.
func (h *Handler) GetMe(c *gin.Context) {
	session, err := h.Store.GetSession(c.Request.Context(), c.GetString(ctxSessionKey))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		h.Log.Error("session lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// Stats reports how many people are around.
func (h *Handler) Stats(c *gin.Context) {
	counts, err := h.Store.CountSessionsByStatus(c.Request.Context())
	if err != nil {
		h.Log.Error("stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	online := 0
	if h.Hub != nil {
		online = h.Hub.Online()
	}
	c.JSON(http.StatusOK, gin.H{
		"online":     online,
		"total":      lo.Sum(lo.Values(counts)),
		"waiting":    counts[models.StatusWaiting],
		"connecting": counts[models.StatusConnecting],
		"matched":    counts[models.StatusMatched],
	})
}
