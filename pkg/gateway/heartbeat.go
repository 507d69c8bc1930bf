package gateway

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// HeartbeatSupervisor evicts connections that have gone silent. Any inbound
// frame counts as liveness, not just pings: a connection busily sending
// messages never pings and must not be evicted for it.
type HeartbeatSupervisor struct {
	clock   clock.Clock
	timeout time.Duration
	evict   func(connID uuid.UUID)

	mu       sync.Mutex
	lastSeen map[uuid.UUID]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeatSupervisor creates a supervisor. evict is called once per stale
// connection, outside the supervisor's lock; it must tear the connection down
// through the same path as a transport close.
func NewHeartbeatSupervisor(clk clock.Clock, timeout time.Duration, evict func(connID uuid.UUID)) *HeartbeatSupervisor {
	return &HeartbeatSupervisor{
		clock:    clk,
		timeout:  timeout,
		evict:    evict,
		lastSeen: make(map[uuid.UUID]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Track starts supervising a connection, counting now as its first sign of
// life.
func (h *HeartbeatSupervisor) Track(connID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSeen[connID] = h.clock.Now()
}

// Untrack stops supervising a connection.
func (h *HeartbeatSupervisor) Untrack(connID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastSeen, connID)
}

// Touch records liveness for a connection. Unknown ids are a no-op.
func (h *HeartbeatSupervisor) Touch(connID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.lastSeen[connID]; ok {
		h.lastSeen[connID] = h.clock.Now()
	}
}

// Run sweeps for stale connections until Stop is called. Sweep cadence is
// half the timeout, so a connection is evicted at most 1.5x the timeout after
// its last frame.
func (h *HeartbeatSupervisor) Run() {
	defer close(h.done)

	ticker := h.clock.Ticker(h.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, connID := range h.sweep() {
				h.evict(connID)
			}
		case <-h.stop:
			return
		}
	}
}

// sweep collects and untracks every stale connection.
func (h *HeartbeatSupervisor) sweep() []uuid.UUID {
	cutoff := h.clock.Now().Add(-h.timeout)

	h.mu.Lock()
	defer h.mu.Unlock()

	var stale []uuid.UUID
	for connID, seen := range h.lastSeen {
		if seen.Before(cutoff) {
			stale = append(stale, connID)
			delete(h.lastSeen, connID)
		}
	}
	return stale
}

// Stop terminates the sweep loop and waits for it to exit.
func (h *HeartbeatSupervisor) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Tracked returns the number of supervised connections. Test helper.
func (h *HeartbeatSupervisor) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lastSeen)
}
