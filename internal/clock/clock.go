// Package clock provides the time and identifier capabilities used across the
// control plane. Components take these as dependencies so tests can pin time
// and generate predictable ids.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source. Production code uses System; tests use Fixed.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a settable clock for tests.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed creates a Fixed clock pinned to t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t.UTC()}
}

// Now returns the pinned time.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the pinned time forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// LocalDate returns the civil date of t in loc as YYYY-MM-DD. The daily signal
// cap counts decisions per civil day, not per rolling 24h.
func LocalDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

// MinuteKey returns the fixed-minute window key for t (YYYYMMDDHHMM). Rate
// limit windows are keyed by this value.
func MinuteKey(t time.Time) string {
	return t.UTC().Format("200601021504")
}
