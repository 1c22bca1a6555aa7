package security

import "time"

// DefaultClockSkewGracePeriod is the default grace period applied to expiry
// checks. It prevents false expiration errors caused by clock drift between
// the issuing and redeeming hosts; 5 seconds covers typical NTP drift while
// extending grant lifetime only negligibly.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired checks if a timestamp is past with the default clock skew grace period
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks if a timestamp is past with a custom grace
// period. A zero expiry means no expiration.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
