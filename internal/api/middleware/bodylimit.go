package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Request body limits. Webhook payloads carry a full Stripe event object.
const (
	DefaultBodyLimit int64 = 64 << 10
	WebhookBodyLimit int64 = 512 << 10
)

// BodyLimitMiddleware limits the size of request bodies. A declared
// Content-Length above maxBytes is rejected with 413 before the handler runs;
// otherwise reads past maxBytes fail inside the handler.
func BodyLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
