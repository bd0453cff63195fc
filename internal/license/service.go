package license

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notifier is told about newly issued licenses so the key can be emailed to
// the buyer. Delivery failures never affect the license itself.
type Notifier interface {
	LicenseIssued(ctx context.Context, lic *License) error
}

// Recorder receives lifecycle counters.
type Recorder interface {
	IncLicensesIssued(tier string)
	IncValidations(result string)
	IncActivations(result string)
	AddStatusChanges(status string, n int64)
}

type nopRecorder struct{}

func (nopRecorder) IncLicensesIssued(string) {}
func (nopRecorder) IncValidations(string) {}
func (nopRecorder) IncActivations(string) {}
func (nopRecorder) AddStatusChanges(string, int64) {}

type nopNotifier struct{}

func (nopNotifier) LicenseIssued(context.Context, *License) error { return nil }

// Policy holds the tunable lifecycle rules.
type Policy struct {
	MaxActivations int
	YearlyTerm     time.Duration
	// StoreTimeout bounds every store call.
	StoreTimeout time.Duration
	// CapAnonymousActivations applies MaxActivations to activations that
	// carry no machine id. Off by default to keep the legacy behavior.
	CapAnonymousActivations bool
	// StrictChecksum rejects keys whose checksum letter does not match.
	// Keys issued before the migration carry an unverifiable last letter,
	// so this must stay off while any of them are in the store.
	StrictChecksum bool
}

// DefaultPolicy returns the standard lifecycle rules.
func DefaultPolicy() Policy {
	return Policy{
		MaxActivations: DefaultMaxActivations,
		YearlyTerm:     DefaultYearlyTerm,
		StoreTimeout:   5 * time.Second,
	}
}

// Result is the outcome of a validity check or activation. Kind is set
// when Valid is false.
type Result struct {
	Valid   bool
	Kind    ErrorKind
	Tier    Tier
	License *License
}

func invalid(kind ErrorKind) Result {
	return Result{Kind: kind}
}

func valid(lic *License) Result {
	return Result{Valid: true, Tier: lic.Tier, License: lic}
}

// Service applies the license business rules on top of a Store.
type Service struct {
	store    Store
	policy   Policy
	now      func() time.Time
	notifier Notifier
	metrics  Recorder
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier sets the collaborator that emails new keys.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// NewService creates a new lifecycle service.
func NewService(store Store, policy Policy, logger zerolog.Logger, opts ...Option) *Service {
	if policy.MaxActivations <= 0 {
		policy.MaxActivations = DefaultMaxActivations
	}
	if policy.YearlyTerm <= 0 {
		policy.YearlyTerm = DefaultYearlyTerm
	}
	if policy.StoreTimeout <= 0 {
		policy.StoreTimeout = DefaultPolicy().StoreTimeout
	}

	s := &Service{
		store:    store,
		policy:   policy,
		now:      time.Now,
		notifier: nopNotifier{},
		metrics:  nopRecorder{},
		logger:   logger.With().Str("component", "license_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the rules the service was built with.
func (s *Service) Policy() Policy {
	return s.policy
}

// storeContext detaches the caller's cancellation so a store write either
// completes or fails on its own, and bounds it with the store timeout.
func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.policy.StoreTimeout)
}

// storeError passes domain errors through and marks everything else as a
// transient store failure.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrRevoked),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrActivationLimit),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidInput):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// CreateLicense issues the license for a completed payment session. Replays
// for a session that already has a license return the existing record and
// send no email.
func (s *Service) CreateLicense(ctx context.Context, tier Tier, email, sessionID string) (*License, error) {
	email = strings.TrimSpace(email)
	sessionID = strings.TrimSpace(sessionID)

	if !tier.IsValid() {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, tier)
	}
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: payment session id is required", ErrInvalidInput)
	}
	email = s.deliverableEmail(email, sessionID)

	now := s.now().UTC()
	draft := Draft{
		PaymentSessionID: sessionID,
		Tier:             tier,
		Email:            email,
		MaxActivations:   s.policy.MaxActivations,
		CreatedAt:        now,
	}
	if tier == TierYearly {
		expires := now.Add(s.policy.YearlyTerm)
		draft.ExpiresAt = &expires
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	lic, created, err := s.store.CreateIfAbsent(sctx, draft)
	if err != nil {
		return nil, storeError("create license", err)
	}

	if !created {
		s.logger.Info().
			Str("session_id", sessionID).
			Msg("license already issued for session")
		return lic, nil
	}

	s.metrics.IncLicensesIssued(string(lic.Tier))
	s.logger.Info().
		Str("session_id", sessionID).
		Str("tier", string(lic.Tier)).
		Msg("license issued")

	if err := s.notifier.LicenseIssued(ctx, lic); err != nil {
		s.logger.Error().Err(err).
			Str("session_id", sessionID).
			Msg("failed to queue license email")
	}

	return lic, nil
}

// deliverableEmail reduces a display-name form such as "Bob <bob@x.com>" to
// the bare address. Anything the parser rejects is kept as given: the buyer
// has paid and the key is still issued.
func (s *Service) deliverableEmail(email, sessionID string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", sessionID).
			Msg("purchaser email did not parse, storing as given")
		return email
	}
	return addr.Address
}

// CheckValidity reports whether key identifies a usable license. An active
// license past its term is moved to expired before EXPIRED is reported.
// The returned error is only set for store failures.
func (s *Service) CheckValidity(ctx context.Context, key string) (Result, error) {
	res, err := s.checkValidity(ctx, key)
	if err != nil {
		s.metrics.IncValidations("error")
		return Result{}, err
	}
	if res.Valid {
		s.metrics.IncValidations("valid")
	} else {
		s.metrics.IncValidations(strings.ToLower(string(res.Kind)))
	}
	return res, nil
}

func (s *Service) checkValidity(ctx context.Context, key string) (Result, error) {
	key = NormalizeKey(key)
	if !ParseKey(key).Valid {
		return invalid(KindInvalidFormat), nil
	}
	if s.policy.StrictChecksum && !VerifyChecksum(key) {
		return invalid(KindInvalidFormat), nil
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	lic, err := s.store.FindByKey(sctx, key)
	if errors.Is(err, ErrNotFound) {
		return invalid(KindNotFound), nil
	}
	if err != nil {
		return Result{}, storeError("find license", err)
	}

	switch lic.Status {
	case StatusRevoked:
		return invalid(KindRevoked), nil
	case StatusExpired:
		return invalid(KindExpired), nil
	}

	if lic.IsExpiredAt(s.now()) {
		if _, err := s.store.UpdateStatus(sctx, key, StatusExpired); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// Revoked concurrently; either way it is no longer valid.
				return invalid(KindRevoked), nil
			}
			return Result{}, storeError("expire license", err)
		}
		s.metrics.AddStatusChanges(string(StatusExpired), 1)
		s.logger.Info().Str("tier", string(lic.Tier)).Msg("license expired on check")
		return invalid(KindExpired), nil
	}

	return valid(lic), nil
}

// Activate registers machineID against key. An empty machineID activates
// without machine tracking.
func (s *Service) Activate(ctx context.Context, key, machineID string) (Result, error) {
	res, err := s.activate(ctx, key, strings.TrimSpace(machineID))
	if err != nil {
		s.metrics.IncActivations("error")
		return Result{}, err
	}
	if res.Valid {
		s.metrics.IncActivations("success")
	} else {
		s.metrics.IncActivations(strings.ToLower(string(res.Kind)))
	}
	return res, nil
}

func (s *Service) activate(ctx context.Context, key, machineID string) (Result, error) {
	res, err := s.checkValidity(ctx, key)
	if err != nil || !res.Valid {
		return res, err
	}
	lic := res.License

	if lic.HasMachine(machineID) {
		return res, nil
	}

	limit := 0
	if machineID != "" || s.policy.CapAnonymousActivations {
		limit = lic.MaxActivations
		if lic.ActivationCount >= limit {
			return Result{Kind: KindActivationLimit, Tier: lic.Tier, License: lic}, nil
		}
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	updated, err := s.store.UpdateActivation(sctx, ActivationUpdate{
		Key:       lic.Key,
		MachineID: machineID,
		At:        s.now().UTC(),
		Limit:     limit,
	})
	if err != nil {
		if kind := KindOf(err); kind != KindNone {
			return Result{Kind: kind, Tier: lic.Tier, License: lic}, nil
		}
		return Result{}, storeError("activate license", err)
	}

	s.logger.Info().
		Str("tier", string(updated.Tier)).
		Int("activation_count", updated.ActivationCount).
		Bool("machine_tracked", machineID != "").
		Msg("license activated")

	return valid(updated), nil
}

// Revoke moves the license to revoked. It returns false when the key does
// not exist and is idempotent otherwise.
func (s *Service) Revoke(ctx context.Context, key string) (bool, error) {
	key = NormalizeKey(key)
	if key == "" {
		return false, nil
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	current, err := s.store.FindByKey(sctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError("find license", err)
	}
	if current.Status == StatusRevoked {
		return true, nil
	}

	lic, err := s.store.UpdateStatus(sctx, key, StatusRevoked)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError("revoke license", err)
	}

	s.metrics.AddStatusChanges(string(StatusRevoked), 1)
	s.logger.Info().Str("tier", string(lic.Tier)).Msg("license revoked")
	return true, nil
}

// LicenseForSession returns the license issued for a payment session.
func (s *Service) LicenseForSession(ctx context.Context, sessionID string) (*License, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	lic, err := s.store.FindBySessionID(sctx, sessionID)
	if err != nil {
		return nil, storeError("find license by session", err)
	}
	return lic, nil
}

// Lookup returns the stored license for key without applying lifecycle rules.
func (s *Service) Lookup(ctx context.Context, key string) (*License, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	lic, err := s.store.FindByKey(sctx, NormalizeKey(key))
	if err != nil {
		return nil, storeError("find license", err)
	}
	return lic, nil
}

// ExpireDue moves every active license whose term has ended to expired.
func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	n, err := s.store.ExpireDue(sctx, s.now().UTC())
	if err != nil {
		return 0, storeError("expire due licenses", err)
	}
	if n > 0 {
		s.metrics.AddStatusChanges(string(StatusExpired), n)
		s.logger.Info().Int64("count", n).Msg("expired due licenses")
	}
	return n, nil
}
