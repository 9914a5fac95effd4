package signals

import (
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultPerMinute is the window cap when none is configured
const DefaultPerMinute = 10

// window tracks one profile's current minute
type window struct {
	key   string
	count int
}

// RateLimitStatus is the read-only view of one profile's current window
type RateLimitStatus struct {
	ResetAt       time.Time `json:"reset_at"`
	WindowSeconds int       `json:"window_seconds"`
	Cap           int       `json:"cap"`
	Current       int       `json:"current"`
	Remaining     int       `json:"remaining"`
	Limited       bool      `json:"limited"`
}

// RateLimiter enforces the per-profile fixed-minute signal budget.
// Critical-priority signals bypass the limit entirely but are still counted
// and audited. Counters live in process memory; a restart resets the current
// window, which is acceptable because the window is short and idempotency
// still prevents double-processing.
type RateLimiter struct {
	windows map[string]*window
	clk     clock.Clock
	log     zerolog.Logger
	cap     int

	criticalBypasses uint64

	mu sync.Mutex
}

// NewRateLimiter creates a limiter. perMinute <= 0 selects the default cap.
func NewRateLimiter(perMinute int, clk clock.Clock, log zerolog.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	return &RateLimiter{
		windows: make(map[string]*window),
		clk:     clk,
		cap:     perMinute,
		log:     log.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow reports whether a signal may proceed in the current window.
// Critical priority always passes; a bypass through a full window is
// recorded on the audit counter.
func (l *RateLimiter) Allow(profileID string, priority domain.SignalPriority) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.currentWindow(profileID)
	if w.count < l.cap {
		return true
	}

	if priority == domain.PriorityCritical {
		l.criticalBypasses++
		l.log.Warn().
			Str("profile_id", profileID).
			Int("window_count", w.count).
			Msg("Critical signal bypassing exhausted rate limit")
		return true
	}
	return false
}

// Tick consumes one slot in the current window. Called once per processed
// signal, never on idempotent replays.
func (l *RateLimiter) Tick(profileID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentWindow(profileID).count++
}

// GetStatus returns the current window's budget for the read-only surface
func (l *RateLimiter) GetStatus(profileID string) RateLimitStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	w := l.currentWindow(profileID)
	remaining := l.cap - w.count
	if remaining < 0 {
		remaining = 0
	}

	return RateLimitStatus{
		WindowSeconds: 60,
		Cap:           l.cap,
		Current:       w.count,
		Remaining:     remaining,
		ResetAt:       now.Truncate(time.Minute).Add(time.Minute),
		Limited:       w.count >= l.cap,
	}
}

// CriticalBypasses returns the audit counter of critical signals admitted
// through exhausted windows
func (l *RateLimiter) CriticalBypasses() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.criticalBypasses
}

// currentWindow returns the profile's window for the present minute,
// rolling it over when the minute has changed. Callers must hold l.mu.
func (l *RateLimiter) currentWindow(profileID string) *window {
	key := clock.MinuteKey(l.clk.Now())
	w, ok := l.windows[profileID]
	if !ok {
		w = &window{key: key}
		l.windows[profileID] = w
		return w
	}
	if w.key != key {
		w.key = key
		w.count = 0
	}
	return w
}
