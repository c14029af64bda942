package export

import "time"

// StalenessPolicy decides when a backend export can no longer be trusted and must
// be discarded and requested again.
type StalenessPolicy struct {
	maxAgeHours int
}

// NewStalenessPolicy creates a policy with the given threshold in hours.
func NewStalenessPolicy(maxAgeHours int) StalenessPolicy {
	return StalenessPolicy{maxAgeHours: maxAgeHours}
}

// MaxAgeHours returns the configured threshold.
func (p StalenessPolicy) MaxAgeHours() int { return p.maxAgeHours }

// AgeHours returns the whole hours elapsed between since and now, floor-rounded.
// Timestamps in the future count as zero.
func AgeHours(now, since time.Time) int {
	if since.IsZero() || !now.After(since) {
		return 0
	}
	return int(now.Sub(since) / time.Hour)
}

// IsExpired reports whether a completed export created at createdAt is too old.
func (p StalenessPolicy) IsExpired(now, createdAt time.Time) bool {
	return AgeHours(now, createdAt) > p.maxAgeHours
}

// IsStalled reports whether an unfinished export that last advanced at
// lastAdvance has been stuck for longer than the threshold.
func (p StalenessPolicy) IsStalled(now, lastAdvance time.Time) bool {
	return AgeHours(now, lastAdvance) > p.maxAgeHours
}
