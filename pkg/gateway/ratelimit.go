package gateway

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Rate limit categories. Each inbound frame type charges exactly one.
const (
	CategoryMessage = "message"
	CategoryTyping  = "typing"
	CategoryGeneral = "general"
	CategoryAuth    = "auth"
)

// RateLimiter enforces per-user, per-category sliding windows: an action is
// allowed if fewer than the category's capacity were admitted in the trailing
// window. Denied actions are not recorded, so a denial never extends the
// window (a client stuck at the limit recovers as soon as old entries age
// out).
type RateLimiter struct {
	clock      clock.Clock
	window     time.Duration
	capacities map[string]int

	mu      sync.Mutex
	history map[limiterKey][]time.Time
}

type limiterKey struct {
	userID   uuid.UUID
	category string
}

// NewRateLimiter creates a limiter with the given per-window capacities,
// keyed by category. A category with no entry is unlimited.
func NewRateLimiter(clk clock.Clock, window time.Duration, capacities map[string]int) *RateLimiter {
	return &RateLimiter{
		clock:      clk,
		window:     window,
		capacities: capacities,
		history:    make(map[limiterKey][]time.Time),
	}
}

// Allow reports whether the user may perform an action in the category now,
// recording it if admitted.
func (rl *RateLimiter) Allow(userID uuid.UUID, category string) bool {
	capacity, limited := rl.capacities[category]
	if !limited {
		return true
	}

	now := rl.clock.Now()
	cutoff := now.Add(-rl.window)
	key := limiterKey{userID: userID, category: category}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Prune entries that have aged out of the window.
	log := rl.history[key]
	keep := 0
	for _, t := range log {
		if t.After(cutoff) {
			log[keep] = t
			keep++
		}
	}
	log = log[:keep]

	if len(log) >= capacity {
		rl.history[key] = log
		return false
	}
	rl.history[key] = append(log, now)
	return true
}

// Remaining returns how many actions the user has left in the category's
// current window.
func (rl *RateLimiter) Remaining(userID uuid.UUID, category string) int {
	capacity, limited := rl.capacities[category]
	if !limited {
		return int(^uint(0) >> 1)
	}

	cutoff := rl.clock.Now().Add(-rl.window)
	key := limiterKey{userID: userID, category: category}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	used := 0
	for _, t := range rl.history[key] {
		if t.After(cutoff) {
			used++
		}
	}
	if used >= capacity {
		return 0
	}
	return capacity - used
}

// Reset discards all recorded history for a user. Called when the user's last
// connection goes away.
func (rl *RateLimiter) Reset(userID uuid.UUID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key := range rl.history {
		if key.userID == userID {
			delete(rl.history, key)
		}
	}
}
