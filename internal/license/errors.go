package license

import "errors"

var (
	// ErrInvalidInput indicates a caller supplied a missing or malformed value.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidFormat indicates a key that does not match the key format.
	ErrInvalidFormat = errors.New("invalid license key format")
	// ErrNotFound indicates no license exists for the key or session.
	ErrNotFound = errors.New("license not found")
	// ErrRevoked indicates the license has been revoked.
	ErrRevoked = errors.New("license has been revoked")
	// ErrExpired indicates the license term has ended.
	ErrExpired = errors.New("license has expired")
	// ErrActivationLimit indicates a new machine would exceed the activation cap.
	ErrActivationLimit = errors.New("maximum activations reached")
	// ErrConflict indicates a uniqueness constraint was violated.
	ErrConflict = errors.New("license conflict")
	// ErrInvalidTransition indicates a forbidden status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnavailable indicates the store could not be reached or timed out.
	ErrUnavailable = errors.New("license store unavailable")
)

// ErrorKind is the wire code reported to clients for a failed check.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindRevoked         ErrorKind = "REVOKED"
	KindExpired         ErrorKind = "EXPIRED"
	KindActivationLimit ErrorKind = "ACTIVATION_LIMIT"
	KindInvalidFormat   ErrorKind = "INVALID_FORMAT"
)

// Message is the human-readable text paired with the kind on the wire.
func (k ErrorKind) Message() string {
	switch k {
	case KindNotFound:
		return "License key not found"
	case KindRevoked:
		return "License has been revoked"
	case KindExpired:
		return "License has expired"
	case KindActivationLimit:
		return "Maximum activations reached"
	case KindInvalidFormat:
		return "Invalid license key format"
	}
	return ""
}

// KindOf maps a domain error to its wire kind. Infrastructure errors map to
// KindNone.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidFormat):
		return KindInvalidFormat
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRevoked):
		return KindRevoked
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, ErrActivationLimit):
		return KindActivationLimit
	}
	return KindNone
}
