// Package auth treats the unguessable session id as the only credential: a
// request may touch a workspace only by naming its live session.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"uniconvert/internal/apperr"
)

const sessionIDContextKey = "session_id"

// Sessions reports whether a session is live.
type Sessions interface {
	Exists(id string) bool
}

// Observer is told about every authorized request. The reaper uses it to
// withdraw pending unload destruction.
type Observer interface {
	Observe(id string)
}

type Guard struct {
	sessions Sessions
	observer Observer
}

func NewGuard(sessions Sessions, observer Observer) *Guard {
	return &Guard{sessions: sessions, observer: observer}
}

// Middleware validates the :session_id path parameter and stores the
// canonical id in the context.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := g.Check(c, c.Param("session_id"))
		if !ok {
			c.Abort()
			return
		}
		c.Set(sessionIDContextKey, id)
		c.Next()
	}
}

// Check validates a session id taken from anywhere in the request. On
// failure the error response is already written.
func (g *Guard) Check(c *gin.Context, raw string) (string, bool) {
	id, ok := Canonical(raw)
	if !ok || !g.sessions.Exists(id) {
		// malformed and unknown ids look the same to the caller
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   gin.H{"kind": apperr.KindSessionNotFound, "message": apperr.ErrSessionNotFound.Message},
		})
		return "", false
	}
	if g.observer != nil {
		g.observer.Observe(id)
	}
	return id, true
}

// Canonical parses raw as a UUID and returns its lowercase hyphenated form.
func Canonical(raw string) (string, bool) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Version() != 4 {
		return "", false
	}
	return parsed.String(), true
}

// SessionIDFromContext retrieves the session id validated by the middleware.
func SessionIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(sessionIDContextKey)
	if !ok {
		return "", false
	}
	id, ok := val.(string)
	return id, ok
}
