package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health reports liveness plus the current session and connection counts.
func (s *Server) Health(c *gin.Context) {
	sessions, connections := s.reg.Snapshot()

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()

	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"activeSessions":   sessions,
		"totalConnections": connections,
		"uptime":           time.Since(s.started).Seconds(),
		"redis":            s.presence.Status(ctx),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}
