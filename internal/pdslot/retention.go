package pdslot

import "time"

// DefaultWindow is how long an item lives in its slot before it's purged.
const DefaultWindow = 7200 * time.Second

// Retention computes expiry for items given the time they were stored.
type Retention struct {
	Window time.Duration
}

// NewRetention returns a retention policy for window, falling back to
// DefaultWindow if window isn't positive.
func NewRetention(window time.Duration) *Retention {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Retention{Window: window}
}

// ExpiresAt is the last instant at which an item created at createdAt is still
// live.
func (r *Retention) ExpiresAt(createdAt time.Time) time.Time {
	return createdAt.Add(r.Window)
}

// IsExpired is true once strictly more than the window has elapsed since
// createdAt. An item exactly a window old is still live.
func (r *Retention) IsExpired(createdAt, now time.Time) bool {
	return now.Sub(createdAt) > r.Window
}

// Progress is the fraction of the window that's elapsed, clamped to [0, 1].
func (r *Retention) Progress(createdAt, now time.Time) float64 {
	progress := float64(now.Sub(createdAt)) / float64(r.Window)
	switch {
	case progress < 0:
		return 0
	case progress > 1:
		return 1
	}
	return progress
}

// TimeRemaining is how long until the item expires, floored at zero.
func (r *Retention) TimeRemaining(createdAt, now time.Time) time.Duration {
	remaining := r.ExpiresAt(createdAt).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
