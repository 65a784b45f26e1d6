package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

const (
	tokenIssuer   = "textbuddies"
	ctxSessionKey = "session_id"
)

var ErrInvalidToken = errors.New("handler: invalid token")

// Claims binds a token to one session.
type Claims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and checks HS256 session tokens.
type TokenIssuer struct {
	Secret []byte
	TTL    time.Duration
	Clock  clockwork.Clock
}

func NewTokenIssuer(secret string, ttl time.Duration, clock clockwork.Clock) *TokenIssuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenIssuer{Secret: []byte(secret), TTL: ttl, Clock: clock}
}

// Issue returns a signed token for sessionID.
func (t *TokenIssuer) Issue(sessionID string) (string, error) {
	now := t.Clock.Now()
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
	if err != nil {
		return "", fmt.Errorf("handler: sign token: %w", err)
	}
	return signed, nil
}

// Parse validates raw and returns the session it was issued for.
func (t *TokenIssuer) Parse(raw string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return t.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.Clock.Now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.SessionID == "" {
		return "", ErrInvalidToken
	}
	return claims.SessionID, nil
}

// RequireSession accepts the token as a Bearer header or, for browsers opening
// a WebSocket, as the token query parameter.
func (h *Handler) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization token missing"})
			return
		}

		sessionID, err := h.Tokens.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(ctxSessionKey, sessionID)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
