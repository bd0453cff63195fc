package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nukemymac/nukemymac-server/internal/feedback"
)

// FeedbackSubmitter stores contact form submissions.
type FeedbackSubmitter interface {
	Submit(ctx context.Context, sub feedback.Submission) (*feedback.Feedback, error)
}

// ContactHandler serves the website contact form.
type ContactHandler struct {
	feedback FeedbackSubmitter
	logger   zerolog.Logger
}

// NewContactHandler creates a new ContactHandler.
func NewContactHandler(fb FeedbackSubmitter, logger zerolog.Logger) *ContactHandler {
	return &ContactHandler{
		feedback: fb,
		logger:   logger.With().Str("component", "contact_handler").Logger(),
	}
}

// RegisterRoutes registers POST /contact on the /api group.
func (h *ContactHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contact", h.Submit)
}

// Submit stores a contact form message and forwards it by email.
// POST /api/contact
func (h *ContactHandler) Submit(c *gin.Context) {
	var sub feedback.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if _, err := h.feedback.Submit(c.Request.Context(), sub); err != nil {
		if msg := feedback.UserMessage(err); msg != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}
		h.logger.Error().Err(err).Msg("failed to store contact message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send message. Please try again."})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Your message has been sent. We'll get back to you soon!",
	})
}
