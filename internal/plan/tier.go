// Package plan defines the ordered subscription tiers and their comparison rules.
package plan

import "fmt"

// Tier is a subscriber's entitlement level. Tiers form a total order:
// Trial < Starter < Pro < Agency. Upgrade/downgrade decisions compare on
// this order only, never on price or feature sets.
type Tier int

const (
	TierTrial Tier = iota
	TierStarter
	TierPro
	TierAgency
)

// AllTiers lists every tier in ascending order.
var AllTiers = []Tier{TierTrial, TierStarter, TierPro, TierAgency}

func (t Tier) String() string {
	switch t {
	case TierTrial:
		return "trial"
	case TierStarter:
		return "starter"
	case TierPro:
		return "pro"
	case TierAgency:
		return "agency"
	default:
		return "unknown"
	}
}

// ParseTier converts a stored tier name back into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "trial":
		return TierTrial, nil
	case "starter":
		return TierStarter, nil
	case "pro":
		return TierPro, nil
	case "agency":
		return TierAgency, nil
	default:
		return TierTrial, fmt.Errorf("unknown plan tier %q", s)
	}
}

// AtLeast reports whether t is equal to or above other in the tier order.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// IsPaid reports whether the tier is a paying plan. Trial output is
// watermarked; paid tiers are not.
func (t Tier) IsPaid() bool {
	return t > TierTrial
}

// MarshalText implements encoding.TextMarshaler so tiers render as their
// names in JSON payloads and config files.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
