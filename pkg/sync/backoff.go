package sync

import "time"

// Backoff computes Initial * 2^(attempt-1), capped at Max: the shared
// reconnect-delay formula the email and signal services use for their
// Reconnecting state. WhatsApp runs its own reconnect loop and Discord
// has none of its own.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is the reconnect cadence used when a service has no
// per-transport override.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second}

// Delay returns the backoff duration for the given 1-indexed attempt
// number. attempt <= 1 returns Initial.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return b.Initial
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// DefaultMaxReconnectAttempts bounds how many times a service's
// Reconnecting loop retries its primary transport before switching to its
// polling fallback (email, signal).
const DefaultMaxReconnectAttempts = 10
