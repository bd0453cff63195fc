// Package feedback handles contact form submissions.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type classifies a submission.
type Type string

const (
	TypeBug            Type = "BUG"
	TypeFeatureRequest Type = "FEATURE_REQUEST"
	TypeGeneral        Type = "GENERAL"
	TypeSupport        Type = "SUPPORT"
)

var (
	// ErrMissingFields indicates a required field was empty.
	ErrMissingFields = errors.New("all fields are required")
	// ErrInvalidEmail indicates the sender address is malformed.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidType indicates an unknown submission type.
	ErrInvalidType = errors.New("invalid feedback type")
	// ErrTooLong indicates a field exceeded its length limit.
	ErrTooLong = errors.New("field is too long")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Submission is the contact form payload.
type Submission struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,max=320,contact_email"`
	Subject string `json:"subject" validate:"required,max=300"`
	Message string `json:"message" validate:"required,max=10000"`
	Type    Type   `json:"type" validate:"omitempty,oneof=BUG FEATURE_REQUEST GENERAL SUPPORT"`
}

// Feedback is a stored submission.
type Feedback struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	Email     string    `json:"email"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists feedback.
type Store interface {
	CreateFeedback(ctx context.Context, f *Feedback) error
}

// Notifier forwards a submission to the support inbox.
type Notifier interface {
	ContactReceived(ctx context.Context, s Submission) error
}

// Service validates, stores and forwards contact submissions.
type Service struct {
	store    Store
	notifier Notifier
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates a new feedback service. notifier may be nil.
func NewService(store Store, notifier Notifier, logger zerolog.Logger) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("contact_email", func(fl validator.FieldLevel) bool {
		return emailPattern.MatchString(fl.Field().String())
	})

	return &Service{
		store:    store,
		notifier: notifier,
		validate: v,
		logger:   logger.With().Str("component", "feedback").Logger(),
		now:      time.Now,
	}
}

// Validate trims the submission, applies the default type and checks it.
func (s *Service) Validate(sub *Submission) error {
	sub.Name = strings.TrimSpace(sub.Name)
	sub.Email = strings.TrimSpace(sub.Email)
	sub.Subject = strings.TrimSpace(sub.Subject)
	sub.Message = strings.TrimSpace(sub.Message)
	sub.Type = Type(strings.ToUpper(strings.TrimSpace(string(sub.Type))))
	if sub.Type == "" {
		sub.Type = TypeGeneral
	}

	err := s.validate.Struct(sub)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	// Missing fields take precedence over format problems.
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			return ErrMissingFields
		}
	}
	switch verrs[0].Tag() {
	case "contact_email":
		return ErrInvalidEmail
	case "oneof":
		return ErrInvalidType
	case "max":
		return fmt.Errorf("%w: %s", ErrTooLong, strings.ToLower(verrs[0].Field()))
	}
	return err
}

// Submit validates and stores a submission and forwards it by email.
// Email failures are logged and do not fail the submission.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Feedback, error) {
	if err := s.Validate(&sub); err != nil {
		return nil, err
	}

	fb := &Feedback{
		ID:        uuid.New(),
		Type:      sub.Type,
		Email:     sub.Email,
		Message:   fmt.Sprintf("Subject: %s\n\nFrom: %s\n\n%s", sub.Subject, sub.Name, sub.Message),
		CreatedAt: s.now().UTC(),
	}

	if err := s.store.CreateFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("store feedback: %w", err)
	}

	s.logger.Info().
		Str("feedback_id", fb.ID.String()).
		Str("type", string(fb.Type)).
		Msg("feedback received")

	if s.notifier != nil {
		if err := s.notifier.ContactReceived(ctx, sub); err != nil {
			s.logger.Error().Err(err).
				Str("feedback_id", fb.ID.String()).
				Msg("failed to send contact email")
		}
	}

	return fb, nil
}

// UserMessage returns the client-facing text for a validation error, or an
// empty string for anything else.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingFields):
		return "All fields are required"
	case errors.Is(err, ErrInvalidEmail):
		return "Invalid email address"
	case errors.Is(err, ErrInvalidType):
		return "Invalid feedback type"
	case errors.Is(err, ErrTooLong):
		return "Message is too long"
	}
	return ""
}
