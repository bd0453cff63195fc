// Package license implements NukeMyMac license keys: the key codec, the
// License record, the Store contract and the lifecycle Service that issues,
// validates, activates, expires and revokes licenses.
package license

import (
	"fmt"
	"strings"
)

// Tier is the purchased plan encoded in a license key.
type Tier string

const (
	// TierYearly licenses expire one term after creation.
	TierYearly Tier = "yearly"
	// TierLifetime licenses never expire.
	TierLifetime Tier = "lifetime"
)

// ValidTiers returns all valid license tiers.
func ValidTiers() []Tier {
	return []Tier{TierYearly, TierLifetime}
}

// IsValid checks if the tier is a recognized value.
func (t Tier) IsValid() bool {
	return t == TierYearly || t == TierLifetime
}

// DisplayName is the customer-facing plan name.
func (t Tier) DisplayName() string {
	switch t {
	case TierYearly:
		return "Pro Yearly"
	case TierLifetime:
		return "Lifetime"
	default:
		return string(t)
	}
}

// code returns the discriminator character stored in the key.
func (t Tier) code() byte {
	if t == TierYearly {
		return 'Y'
	}
	return 'L'
}

func tierFromCode(c byte) (Tier, bool) {
	switch c {
	case 'Y':
		return TierYearly, true
	case 'L':
		return TierLifetime, true
	}
	return "", false
}

// ParseTier parses a plan name such as "yearly" or "LIFETIME".
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, s)
	}
	return t, nil
}

// Status is the lifecycle state of a license.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// IsValid checks if the status is a recognized value.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// CanTransition reports whether a license may move from s to next.
// Statuses only move away from active, and re-applying the current
// status is allowed as a no-op.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusActive:
		return next == StatusExpired || next == StatusRevoked
	case StatusExpired:
		return next == StatusRevoked
	}
	return false
}

// TransitionSources returns the statuses from which a license may move to
// target, including target itself.
func TransitionSources(target Status) []Status {
	var out []Status
	for _, from := range []Status{StatusActive, StatusExpired, StatusRevoked} {
		if from.CanTransition(target) {
			out = append(out, from)
		}
	}
	return out
}
