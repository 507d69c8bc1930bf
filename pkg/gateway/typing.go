package gateway

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// TypingTracker schedules the automatic typing_stop that fires when a user
// goes quiet without sending an explicit stop. One timer exists per
// (user, conversation) pair; a fresh typing_start re-arms it, an explicit
// stop or connection close cancels it.
//
// The expire callback runs on the timer goroutine and must route through the
// same broadcast path as an explicit stop, so observers cannot tell the two
// apart (beyond timing).
type TypingTracker struct {
	clock  clock.Clock
	delay  time.Duration
	expire func(userID, convID uuid.UUID)

	mu     sync.Mutex
	gen    uint64
	timers map[typingKey]*typingEntry
}

type typingKey struct {
	userID uuid.UUID
	convID uuid.UUID
}

// typingEntry carries a generation so a timer that fires while being replaced
// can tell it is no longer the active one for its pair.
type typingEntry struct {
	timer *clock.Timer
	gen   uint64
}

// NewTypingTracker creates a tracker. expire is invoked once per auto-stop.
func NewTypingTracker(clk clock.Clock, delay time.Duration, expire func(userID, convID uuid.UUID)) *TypingTracker {
	return &TypingTracker{
		clock:  clk,
		delay:  delay,
		expire: expire,
		timers: make(map[typingKey]*typingEntry),
	}
}

// Start arms (or re-arms) the auto-stop timer for the pair.
func (t *TypingTracker) Start(userID, convID uuid.UUID) {
	key := typingKey{userID: userID, convID: convID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.timers[key]; ok {
		entry.timer.Stop()
	}
	t.gen++
	gen := t.gen
	entry := &typingEntry{gen: gen}
	entry.timer = t.clock.AfterFunc(t.delay, func() {
		// Only fire if this timer is still the active one for the pair; a
		// racing Start/Stop may have replaced or removed it.
		t.mu.Lock()
		current, ok := t.timers[key]
		active := ok && current.gen == gen
		if active {
			delete(t.timers, key)
		}
		t.mu.Unlock()

		if active {
			t.expire(userID, convID)
		}
	})
	t.timers[key] = entry
}

// Stop cancels the pending auto-stop for the pair, if any. Returns whether a
// timer was pending, so an explicit typing_stop with no matching start can be
// treated as a no-op.
func (t *TypingTracker) Stop(userID, convID uuid.UUID) bool {
	key := typingKey{userID: userID, convID: convID}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.timers, key)
	return true
}

// CancelUser cancels every pending timer for the user without firing stops.
// Called on connection close; returns the affected conversation ids so the
// caller can broadcast stops for them.
func (t *TypingTracker) CancelUser(userID uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var convs []uuid.UUID
	for key, entry := range t.timers {
		if key.userID == userID {
			entry.timer.Stop()
			delete(t.timers, key)
			convs = append(convs, key.convID)
		}
	}
	return convs
}

// Pending returns the number of armed timers. Test helper.
func (t *TypingTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
