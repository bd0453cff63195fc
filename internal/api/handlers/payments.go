package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nukemymac/nukemymac-server/internal/payments"
)

// SignatureHeader is the header carrying the payment provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

// WebhookProcessor verifies and handles a webhook delivery.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signature string) (payments.Outcome, error)
}

// CheckoutCreator opens hosted checkout sessions.
type CheckoutCreator interface {
	Create(ctx context.Context, plan, email string) (*payments.CheckoutSession, error)
}

// CheckoutRequest is the body of POST /api/checkout.
type CheckoutRequest struct {
	Plan  string `json:"plan"`
	Email string `json:"email"`
}

// PaymentsHandler serves checkout creation and the payment webhook.
type PaymentsHandler struct {
	checkout CheckoutCreator
	webhooks WebhookProcessor
	logger   zerolog.Logger
}

// NewPaymentsHandler creates a new PaymentsHandler.
func NewPaymentsHandler(checkout CheckoutCreator, webhooks WebhookProcessor, logger zerolog.Logger) *PaymentsHandler {
	return &PaymentsHandler{
		checkout: checkout,
		webhooks: webhooks,
		logger:   logger.With().Str("component", "payments_handler").Logger(),
	}
}

// RegisterRoutes registers payment routes on the /api group. The webhook is
// registered separately because it takes a larger body limit.
func (h *PaymentsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.CreateCheckout)
}

// RegisterWebhookRoutes registers POST /webhook on r.
func (h *PaymentsHandler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhook", h.Webhook)
}

// CreateCheckout opens a checkout session for the requested plan.
// POST /api/checkout
func (h *PaymentsHandler) CreateCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid plan selected"})
		return
	}

	s, err := h.checkout.Create(c.Request.Context(), req.Plan, req.Email)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidPlan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid plan selected"})
			return
		}
		h.logger.Error().Err(err).Str("plan", req.Plan).Msg("checkout session creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, s)
}

// Webhook receives payment provider events. Verified events are always
// acknowledged so the provider does not redeliver them; license creation
// failures are retried in process and surfaced through logs and metrics.
// POST /api/webhook
func (h *PaymentsHandler) Webhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Webhook Error: payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook Error: " + err.Error()})
		return
	}

	outcome, err := h.webhooks.Process(c.Request.Context(), payload, c.GetHeader(SignatureHeader))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook Error: " + err.Error()})
		return
	}

	h.logger.Debug().Str("outcome", string(outcome)).Msg("webhook processed")
	c.JSON(http.StatusOK, gin.H{"received": true})
}
