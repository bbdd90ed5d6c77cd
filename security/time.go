package security

import "time"

// DefaultClockSkewGracePeriod is how far past its stated expiry a token is
// still honored. Covers NTP drift between the machines issuing and
// validating tokens without meaningfully extending token lifetime.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether the expiry has passed, allowing the
// default clock skew grace period. A zero time never expires.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod reports whether the expiry plus grace
// period has passed
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether the expiry falls within the threshold
// from now
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
