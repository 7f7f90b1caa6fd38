package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OriginFilter filters requests by Origin header. An empty allow-list
// disables the check, which is the deployment mode behind a reverse proxy
// that enforces origins itself.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			// Direct WebSocket connections may use the legacy header.
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}

		if len(allowedOrigins) == 0 {
			if origin != "" {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			}
			c.Next()
			return
		}

		allowed := false
		for _, a := range allowedOrigins {
			if origin == a {
				allowed = true
				break
			}
		}

		if !allowed && origin != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}

		if allowed {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
