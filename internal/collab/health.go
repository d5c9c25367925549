// Package collab – HealthMonitor
//
// This file derives the coarse transport mode (push-primary or
// poll-fallback) from raw push connection states. Flips are debounced by a
// dwell window, failed is sticky until Reset, and an environment without push
// is pinned to poll-fallback.
package collab

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/incident-sync/internal/domain"
)

// DefaultDwellWindow is how long a connection state must persist before
// the mode flips.
const DefaultDwellWindow = 5 * time.Second

// HealthMonitor tracks the push connection state and derives the coarse
// transport mode with a debounce (dwell window) on both directions.
//
// The dwell timer restarts only when the state crosses between connected
// and not-connected; connecting->disconnected keeps counting. failed is
// terminal until Reset. A transport that never reports a state stays in
// connecting and falls back to polling once the dwell window elapses.
type HealthMonitor struct {
	clock Clock
	dwell time.Duration
	log   zerolog.Logger

	mu          sync.Mutex
	state       domain.ConnState
	since       time.Time
	mode        domain.Mode
	unsupported bool

	listeners listenerSet[domain.Mode]
}

// NewHealthMonitor starts in push-primary with state connecting.
func NewHealthMonitor(clock Clock, dwell time.Duration, log zerolog.Logger) *HealthMonitor {
	if clock == nil {
		clock = SystemClock()
	}
	if dwell <= 0 {
		dwell = DefaultDwellWindow
	}
	observeMode(domain.ModePushPrimary)
	return &HealthMonitor{
		clock: clock,
		dwell: dwell,
		log:   log.With().Str("component", "health").Logger(),
		state: domain.StateConnecting,
		since: clock.Now(),
		mode:  domain.ModePushPrimary,
	}
}

// Observe records a raw transport state change.
func (h *HealthMonitor) Observe(s domain.ConnState) {
	if !s.Valid() {
		return
	}
	h.mu.Lock()
	if h.state == domain.StateFailed && s != domain.StateFailed {
		h.mu.Unlock()
		h.log.Debug().Str("state", string(s)).Msg("ignoring state after failed")
		return
	}
	now := h.clock.Now()
	if (h.state == domain.StateConnected) != (s == domain.StateConnected) {
		h.since = now
	}
	prev := h.state
	h.state = s
	flipped, mode := h.evaluateLocked(now)
	h.mu.Unlock()

	if prev != s {
		h.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("transport state")
	}
	if flipped {
		h.announce(mode)
	}
}

// CurrentMode evaluates the dwell window against the clock and returns the
// mode, emitting a change if one is due.
func (h *HealthMonitor) CurrentMode() domain.Mode {
	h.mu.Lock()
	flipped, mode := h.evaluateLocked(h.clock.Now())
	h.mu.Unlock()
	if flipped {
		h.announce(mode)
	}
	return mode
}

// Evaluate is CurrentMode for periodic callers.
func (h *HealthMonitor) Evaluate() { h.CurrentMode() }

// State returns the last observed connection state.
func (h *HealthMonitor) State() domain.ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// MarkUnsupported records that the environment has no push transport. The
// mode becomes poll-fallback immediately.
func (h *HealthMonitor) MarkUnsupported() {
	h.mu.Lock()
	h.unsupported = true
	flipped, mode := h.evaluateLocked(h.clock.Now())
	h.mu.Unlock()
	if flipped {
		h.announce(mode)
	}
}

// Reset leaves the terminal failed state and reports whether it did. The
// mode stays as is until the transport has been connected for the dwell
// window.
func (h *HealthMonitor) Reset() bool {
	h.mu.Lock()
	if h.state != domain.StateFailed {
		h.mu.Unlock()
		return false
	}
	h.state = domain.StateConnecting
	h.since = h.clock.Now()
	h.mu.Unlock()
	h.log.Info().Msg("transport health reset")
	return true
}

// OnModeChange registers fn for every mode flip.
func (h *HealthMonitor) OnModeChange(fn func(domain.Mode)) (cancel func()) {
	return h.listeners.add(fn)
}

func (h *HealthMonitor) evaluateLocked(now time.Time) (bool, domain.Mode) {
	target := h.mode
	switch {
	case h.unsupported, h.state == domain.StateFailed:
		target = domain.ModePollFallback
	case now.Sub(h.since) < h.dwell:
		// not stable yet
	case h.state == domain.StateConnected:
		target = domain.ModePushPrimary
	default:
		target = domain.ModePollFallback
	}
	if target == h.mode {
		return false, h.mode
	}
	h.mode = target
	return true, target
}

func (h *HealthMonitor) announce(m domain.Mode) {
	observeMode(m)
	modeChanges.WithLabelValues(string(m)).Inc()
	h.log.Info().Str("mode", string(m)).Msg("transport mode changed")
	h.listeners.emit(m)
}
