// Package payments is the boundary with the payment provider: it creates
// checkout sessions and turns verified webhook events into licenses.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/nukemymac/nukemymac-server/internal/license"
)

// EventCheckoutCompleted is the only event kind that mints a license.
const EventCheckoutCompleted = "checkout.session.completed"

// Outcome describes what the intake did with a verified event.
type Outcome string

const (
	OutcomeIgnored Outcome = "ignored"
	OutcomeSkipped Outcome = "skipped"
	OutcomeCreated Outcome = "created"
	OutcomeFailed  Outcome = "failed"
)

var (
	ErrMissingSignature    = errors.New("missing stripe-signature header")
	ErrSecretNotConfigured = errors.New("webhook secret not configured")
	ErrInvalidSignature    = errors.New("webhook signature verification failed")
)

// LicenseCreator mints a license for a completed checkout.
type LicenseCreator interface {
	CreateLicense(ctx context.Context, tier license.Tier, email, sessionID string) (*license.License, error)
}

// Recorder counts processed webhook events.
type Recorder interface {
	RecordWebhookEvent(eventType, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordWebhookEvent(string, string) {}

// RetryPolicy bounds the in-process retry of license creation. The retry
// runs inside the webhook request, so MaxElapsed plus one store timeout
// must stay below the provider's delivery timeout. Creation is idempotent;
// a delivery that times out is simply redelivered.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy returns the default license creation retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      5 * time.Second,
	}
}

// Intake verifies webhook deliveries and creates licenses from them.
type Intake struct {
	licenses LicenseCreator
	secret   string
	retry    RetryPolicy
	recorder Recorder
	logger   zerolog.Logger
}

// NewIntake creates an intake that verifies events with secret. recorder
// may be nil.
func NewIntake(licenses LicenseCreator, secret string, retry RetryPolicy, recorder Recorder, logger zerolog.Logger) *Intake {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Intake{
		licenses: licenses,
		secret:   secret,
		retry:    retry,
		recorder: recorder,
		logger:   logger.With().Str("component", "payment_intake").Logger(),
	}
}

// Verify checks the signature header against the payload and decodes the
// event.
func (i *Intake) Verify(payload []byte, signature string) (stripe.Event, error) {
	if signature == "" {
		return stripe.Event{}, ErrMissingSignature
	}
	if i.secret == "" {
		return stripe.Event{}, ErrSecretNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, i.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// Process verifies a delivery and acts on it. An error is returned only
// when verification fails; every verified event yields an Outcome.
func (i *Intake) Process(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	event, err := i.Verify(payload, signature)
	if err != nil {
		i.logger.Warn().Err(err).Msg("rejected webhook delivery")
		return "", err
	}

	logger := i.logger.With().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Logger()

	var outcome Outcome
	switch string(event.Type) {
	case EventCheckoutCompleted:
		outcome = i.handleCheckoutCompleted(ctx, event, logger)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		logger.Info().Msg("subscription event received")
		outcome = OutcomeIgnored
	default:
		logger.Debug().Msg("unhandled event type")
		outcome = OutcomeIgnored
	}

	i.recorder.RecordWebhookEvent(string(event.Type), string(outcome))
	return outcome, nil
}

func (i *Intake) handleCheckoutCompleted(ctx context.Context, event stripe.Event, logger zerolog.Logger) Outcome {
	if event.Data == nil {
		logger.Error().Msg("checkout event has no data")
		return OutcomeSkipped
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		logger.Error().Err(err).Msg("failed to decode checkout session")
		return OutcomeSkipped
	}

	plan := session.Metadata["plan"]
	email := session.CustomerEmail
	if email == "" && session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}

	logger = logger.With().Str("session_id", session.ID).Logger()

	if plan == "" || email == "" || session.ID == "" {
		logger.Error().
			Str("plan", plan).
			Bool("has_email", email != "").
			Msg("missing plan or email in checkout session")
		return OutcomeSkipped
	}

	tier, err := license.ParseTier(plan)
	if err != nil {
		logger.Error().Err(err).Msg("checkout session has an unknown plan")
		return OutcomeSkipped
	}

	// The provider has already been told the event arrived; a client
	// disconnect must not abort creation.
	lic, err := i.createWithRetry(context.WithoutCancel(ctx), tier, email, session.ID, logger)
	if err != nil {
		logger.Error().Err(err).Str("tier", string(tier)).Msg("failed to create license for checkout")
		return OutcomeFailed
	}

	logger.Info().
		Str("license_key", lic.Key).
		Str("tier", string(lic.Tier)).
		Msg("license created")
	return OutcomeCreated
}

// createWithRetry retries only transient store failures.
func (i *Intake) createWithRetry(ctx context.Context, tier license.Tier, email, sessionID string, logger zerolog.Logger) (*license.License, error) {
	op := func() (*license.License, error) {
		lic, err := i.licenses.CreateLicense(ctx, tier, email, sessionID)
		if err != nil && !errors.Is(err, license.ErrUnavailable) {
			return nil, backoff.Permanent(err)
		}
		return lic, err
	}

	ctx, cancel := context.WithTimeout(ctx, i.retry.MaxElapsed)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.retry.InitialInterval
	b.MaxInterval = i.retry.MaxInterval
	b.MaxElapsedTime = i.retry.MaxElapsed

	notify := func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("next_retry", next).Msg("license creation failed, retrying")
	}

	return backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), notify)
}
