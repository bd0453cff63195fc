package license

import (
	"context"
	"slices"
	"time"
)

// DefaultMaxActivations is the number of machines a license may activate.
const DefaultMaxActivations = 3

// DefaultYearlyTerm is how long a yearly license stays valid.
const DefaultYearlyTerm = 365 * 24 * time.Hour

// License is a persisted license record.
type License struct {
	Key                 string     `json:"key"`
	Tier                Tier       `json:"tier"`
	Email               string     `json:"email"`
	Status              Status     `json:"status"`
	PaymentSessionID    string     `json:"payment_session_id"`
	ActivationCount     int        `json:"activation_count"`
	MaxActivations      int        `json:"max_activations"`
	ActivatedMachineIDs []string   `json:"activated_machine_ids"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	ActivatedAt         *time.Time `json:"activated_at,omitempty"`
}

// IsExpiredAt reports whether the license term has ended at now. Lifetime
// licenses never expire.
func (l *License) IsExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// HasMachine reports whether machineID is already registered.
func (l *License) HasMachine(machineID string) bool {
	return machineID != "" && slices.Contains(l.ActivatedMachineIDs, machineID)
}

// Draft carries the fields needed to create a license. The store assigns
// the key.
type Draft struct {
	PaymentSessionID string
	Tier             Tier
	Email            string
	MaxActivations   int
	CreatedAt        time.Time
	ExpiresAt        *time.Time
}

// ActivationUpdate describes one conditional activation.
type ActivationUpdate struct {
	Key string
	// MachineID may be empty for clients that do not report one.
	MachineID string
	At        time.Time
	// Limit caps ActivationCount. Zero disables the cap.
	Limit int
}

// Store persists licenses. Implementations must make CreateIfAbsent and
// UpdateActivation atomic with respect to concurrent callers.
type Store interface {
	// CreateIfAbsent inserts a new active license for the draft's payment
	// session, or returns the existing one with created=false.
	CreateIfAbsent(ctx context.Context, d Draft) (lic *License, created bool, err error)
	FindByKey(ctx context.Context, key string) (*License, error)
	FindBySessionID(ctx context.Context, sessionID string) (*License, error)
	// UpdateActivation registers a machine in a single conditional write.
	// A machine that is already registered returns the unchanged license.
	UpdateActivation(ctx context.Context, u ActivationUpdate) (*License, error)
	// UpdateStatus applies a status transition allowed by Status.CanTransition.
	UpdateStatus(ctx context.Context, key string, status Status) (*License, error)
	// ExpireDue moves active licenses whose term ended before now to expired.
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// MaxKeyAttempts bounds key regeneration when a generated key collides.
const MaxKeyAttempts = 5
