package security

import "time"

// DefaultClockSkewGracePeriod is tolerated past an expiry before a value counts as expired.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt (plus the clock skew grace period) lies before now.
// A zero expiresAt never expires.
func IsExpired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(DefaultClockSkewGracePeriod))
}

// ExpiresWithin reports whether expiresAt falls before now+margin.
// It drives the provider token refresh trigger. A zero expiresAt is treated as unknown and
// therefore due.
func ExpiresWithin(expiresAt, now time.Time, margin time.Duration) bool {
	if expiresAt.IsZero() {
		return true
	}
	return now.Add(margin).After(expiresAt)
}
