package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"

	"github.com/nukemymac/nukemymac-server/internal/license"
)

var (
	// ErrInvalidPlan is returned for plans other than yearly and lifetime.
	ErrInvalidPlan = errors.New("invalid plan selected")
	// ErrCheckoutNotConfigured is returned when the API key or a price is missing.
	ErrCheckoutNotConfigured = errors.New("checkout is not configured")
)

// CheckoutConfig holds the payment provider settings for checkout.
type CheckoutConfig struct {
	SecretKey     string
	PriceYearly   string
	PriceLifetime string
	// Domain is the public site origin used for redirect URLs.
	Domain string
}

// CheckoutSession is the client-facing result of Create.
type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// Checkout creates hosted checkout sessions.
type Checkout struct {
	client session.Client
	prices map[license.Tier]string
	domain string
	logger zerolog.Logger
}

// NewCheckout creates a checkout client. A nil backend uses the provider's
// public API.
func NewCheckout(cfg CheckoutConfig, backend stripe.Backend, logger zerolog.Logger) *Checkout {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &Checkout{
		client: session.Client{B: backend, Key: cfg.SecretKey},
		prices: map[license.Tier]string{
			license.TierYearly:   cfg.PriceYearly,
			license.TierLifetime: cfg.PriceLifetime,
		},
		domain: strings.TrimRight(cfg.Domain, "/"),
		logger: logger.With().Str("component", "checkout").Logger(),
	}
}

// Create opens a checkout session for plan. Yearly plans are subscriptions,
// lifetime plans are one-off payments.
func (c *Checkout) Create(ctx context.Context, plan, email string) (*CheckoutSession, error) {
	tier := license.Tier(plan)
	if !tier.IsValid() {
		return nil, ErrInvalidPlan
	}

	price := c.prices[tier]
	if c.client.Key == "" || price == "" {
		return nil, ErrCheckoutNotConfigured
	}

	mode := stripe.CheckoutSessionModePayment
	if tier == license.TierYearly {
		mode = stripe.CheckoutSessionModeSubscription
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(price),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(mode)),
		SuccessURL: stripe.String(c.domain + "/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(c.domain + "?canceled=true"),
	}
	params.Context = ctx
	params.AddMetadata("plan", plan)
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if tier == license.TierYearly {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"plan": plan},
		}
	}

	s, err := c.client.New(params)
	if err != nil {
		c.logger.Error().Err(err).Str("plan", plan).Msg("failed to create checkout session")
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	c.logger.Info().Str("plan", plan).Str("session_id", s.ID).Msg("checkout session created")
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}
