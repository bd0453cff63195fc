package payments_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nukemymac/nukemymac-server/internal/license"
	"github.com/nukemymac/nukemymac-server/internal/license/licensetest"
	"github.com/nukemymac/nukemymac-server/internal/payments"
	"github.com/nukemymac/nukemymac-server/internal/payments/paymentstest"
)

const testSecret = "whsec_test_secret"

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) LicenseIssued(context.Context, *license.License) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) RecordWebhookEvent(eventType, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType+"/"+outcome)
}

type fixture struct {
	store    *licensetest.Store
	notifier *countingNotifier
	recorder *eventRecorder
	intake   *payments.Intake
}

func fastRetry() payments.RetryPolicy {
	return payments.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      200 * time.Millisecond,
	}
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	store := licensetest.NewStore()
	notifier := &countingNotifier{}
	recorder := &eventRecorder{}
	svc := license.NewService(store, license.DefaultPolicy(), zerolog.Nop(), license.WithNotifier(notifier))
	return &fixture{
		store:    store,
		notifier: notifier,
		recorder: recorder,
		intake:   payments.NewIntake(svc, secret, fastRetry(), recorder, zerolog.Nop()),
	}
}

func signed(payload []byte) string {
	return paymentstest.Signature(payload, testSecret, time.Now())
}

func TestProcess_CreatesLicense(t *testing.T) {
	f := newFixture(t, testSecret)
	payload := paymentstest.CheckoutCompleted("cs_test_1", "yearly", "buyer@example.com")

	outcome, err := f.intake.Process(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeCreated, outcome)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.notifier.count)
	assert.Equal(t, []string{"checkout.session.completed/created"}, f.recorder.events)
}

func TestProcess_CustomerDetailsEmail(t *testing.T) {
	f := newFixture(t, testSecret)
	payload := paymentstest.Event("evt_details", payments.EventCheckoutCompleted, map[string]any{
		"id":               "cs_details",
		"object":           "checkout.session",
		"metadata":         map[string]string{"plan": "lifetime"},
		"customer_details": map[string]any{"email": "details@example.com"},
	})

	outcome, err := f.intake.Process(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeCreated, outcome)

	svc := license.NewService(f.store, license.DefaultPolicy(), zerolog.Nop())
	lic, err := svc.LicenseForSession(context.Background(), "cs_details")
	require.NoError(t, err)
	assert.Equal(t, "details@example.com", lic.Email)
	assert.Equal(t, license.TierLifetime, lic.Tier)
}

func TestProcess_UnusualEmailStillCreates(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"john.@example.com", "john.@example.com"},
		{"Bob <bob@example.com>", "bob@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			f := newFixture(t, testSecret)
			payload := paymentstest.CheckoutCompleted("cs_odd_email", "yearly", tt.email)

			outcome, err := f.intake.Process(context.Background(), payload, signed(payload))
			require.NoError(t, err)
			assert.Equal(t, payments.OutcomeCreated, outcome)
			assert.Equal(t, 1, f.notifier.count)

			svc := license.NewService(f.store, license.DefaultPolicy(), zerolog.Nop())
			lic, err := svc.LicenseForSession(context.Background(), "cs_odd_email")
			require.NoError(t, err)
			assert.Equal(t, tt.want, lic.Email)
		})
	}
}

func TestProcess_DuplicateDelivery(t *testing.T) {
	f := newFixture(t, testSecret)
	payload := paymentstest.CheckoutCompleted("cs_dup", "lifetime", "buyer@example.com")

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.intake.Process(context.Background(), payload, signed(payload))
			assert.NoError(t, err)
			assert.Equal(t, payments.OutcomeCreated, outcome)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.notifier.count, "only the first delivery emails the key")
}

func TestProcess_SignatureFailures(t *testing.T) {
	payload := paymentstest.CheckoutCompleted("cs_sig", "yearly", "buyer@example.com")

	tests := []struct {
		name      string
		secret    string
		signature string
		wantErr   error
	}{
		{"missing header", testSecret, "", payments.ErrMissingSignature},
		{"secret not configured", "", signed(payload), payments.ErrSecretNotConfigured},
		{"wrong secret", testSecret, paymentstest.Signature(payload, "whsec_other", time.Now()), payments.ErrInvalidSignature},
		{"stale timestamp", testSecret, paymentstest.Signature(payload, testSecret, time.Now().Add(-time.Hour)), payments.ErrInvalidSignature},
		{"garbage header", testSecret, "nonsense", payments.ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.secret)

			_, err := f.intake.Process(context.Background(), payload, tt.signature)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, f.store.Len())
			assert.Zero(t, f.notifier.count)
			assert.Empty(t, f.recorder.events)
		})
	}
}

func TestProcess_TamperedPayload(t *testing.T) {
	f := newFixture(t, testSecret)
	payload := paymentstest.CheckoutCompleted("cs_tamper", "yearly", "buyer@example.com")
	sig := signed(payload)
	tampered := paymentstest.CheckoutCompleted("cs_tamper", "lifetime", "buyer@example.com")

	_, err := f.intake.Process(context.Background(), tampered, sig)
	assert.ErrorIs(t, err, payments.ErrInvalidSignature)
	assert.Zero(t, f.store.Len())
}

func TestProcess_SkipsIncompleteSessions(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"missing email", paymentstest.CheckoutCompleted("cs_noemail", "yearly", "")},
		{"missing plan", paymentstest.CheckoutCompleted("cs_noplan", "", "buyer@example.com")},
		{"unknown plan", paymentstest.CheckoutCompleted("cs_weird", "monthly", "buyer@example.com")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testSecret)

			outcome, err := f.intake.Process(context.Background(), tt.payload, signed(tt.payload))
			require.NoError(t, err, "verified events are always acknowledged")
			assert.Equal(t, payments.OutcomeSkipped, outcome)
			assert.Zero(t, f.store.Len())
			assert.Zero(t, f.notifier.count)
		})
	}
}

func TestProcess_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t, testSecret)

	for _, kind := range []string{"customer.subscription.deleted", "invoice.paid"} {
		payload := paymentstest.Event("evt_"+kind, kind, map[string]any{"id": "obj_1"})
		outcome, err := f.intake.Process(context.Background(), payload, signed(payload))
		require.NoError(t, err)
		assert.Equal(t, payments.OutcomeIgnored, outcome)
	}
	assert.Zero(t, f.store.Len())
	assert.Equal(t, []string{"customer.subscription.deleted/ignored", "invoice.paid/ignored"}, f.recorder.events)
}

type flakyCreator struct {
	mu       sync.Mutex
	failures int
	err      error
	delay    time.Duration
	calls    int
}

func (c *flakyCreator) CreateLicense(_ context.Context, tier license.Tier, email, sessionID string) (*license.License, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return nil, c.err
	}
	return &license.License{Key: "NUKE-AAAA-YAAA-AAAA-AAAA", Tier: tier, Email: email, PaymentSessionID: sessionID}, nil
}

func TestProcess_RetriesTransientStoreErrors(t *testing.T) {
	creator := &flakyCreator{failures: 2, err: fmt.Errorf("create: %w: connection refused", license.ErrUnavailable)}
	intake := payments.NewIntake(creator, testSecret, fastRetry(), nil, zerolog.Nop())
	payload := paymentstest.CheckoutCompleted("cs_flaky", "yearly", "buyer@example.com")

	outcome, err := intake.Process(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeCreated, outcome)
	assert.Equal(t, 3, creator.calls)
}

func TestProcess_DoesNotRetryPermanentErrors(t *testing.T) {
	creator := &flakyCreator{failures: 100, err: license.ErrInvalidInput}
	intake := payments.NewIntake(creator, testSecret, fastRetry(), nil, zerolog.Nop())
	payload := paymentstest.CheckoutCompleted("cs_bad", "yearly", "buyer@example.com")

	outcome, err := intake.Process(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeFailed, outcome)
	assert.Equal(t, 1, creator.calls)
}

func TestProcess_GivesUpOnPersistentOutage(t *testing.T) {
	creator := &flakyCreator{failures: 1 << 30, err: license.ErrUnavailable}
	intake := payments.NewIntake(creator, testSecret, fastRetry(), nil, zerolog.Nop())
	payload := paymentstest.CheckoutCompleted("cs_down", "lifetime", "buyer@example.com")

	outcome, err := intake.Process(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeFailed, outcome)
	assert.Greater(t, creator.calls, 1)
	assert.True(t, errors.Is(creator.err, license.ErrUnavailable))
}

func TestProcess_RetryStaysWithinMaxElapsed(t *testing.T) {
	creator := &flakyCreator{failures: 1 << 30, err: license.ErrUnavailable, delay: 20 * time.Millisecond}
	retry := payments.RetryPolicy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		MaxElapsed:      100 * time.Millisecond,
	}
	intake := payments.NewIntake(creator, testSecret, retry, nil, zerolog.Nop())
	payload := paymentstest.CheckoutCompleted("cs_slow", "yearly", "buyer@example.com")

	start := time.Now()
	outcome, err := intake.Process(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeFailed, outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDefaultRetryPolicy_FitsDeliveryTimeout(t *testing.T) {
	p := payments.DefaultRetryPolicy()
	assert.LessOrEqual(t, p.MaxElapsed+license.DefaultPolicy().StoreTimeout, 10*time.Second)
}
