package signals

import (
	"testing"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(perMinute int) (*RateLimiter, *clock.Fixed) {
	clk := clock.NewFixed(time.Date(2026, 3, 10, 9, 0, 15, 0, time.UTC))
	return NewRateLimiter(perMinute, clk, zerolog.Nop()), clk
}

func TestAllowUntilCapThenLimited(t *testing.T) {
	limiter, _ := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Allow("prof-1", domain.PriorityNormal))
		limiter.Tick("prof-1")
	}

	assert.False(t, limiter.Allow("prof-1", domain.PriorityNormal))
	assert.False(t, limiter.Allow("prof-1", domain.PriorityHigh))
}

func TestWindowRollsOverOnNewMinute(t *testing.T) {
	limiter, clk := newTestLimiter(2)

	limiter.Tick("prof-1")
	limiter.Tick("prof-1")
	require.False(t, limiter.Allow("prof-1", domain.PriorityNormal))

	clk.Advance(45 * time.Second) // crosses into 09:01

	assert.True(t, limiter.Allow("prof-1", domain.PriorityNormal))
	status := limiter.GetStatus("prof-1")
	assert.Equal(t, 0, status.Current)
	assert.Equal(t, 2, status.Remaining)
}

func TestCriticalBypassesExhaustedWindow(t *testing.T) {
	limiter, _ := newTestLimiter(1)

	limiter.Tick("prof-1")
	require.False(t, limiter.Allow("prof-1", domain.PriorityNormal))

	assert.True(t, limiter.Allow("prof-1", domain.PriorityCritical))
	assert.Equal(t, uint64(1), limiter.CriticalBypasses())

	// Bypassed signals are still counted in the window.
	limiter.Tick("prof-1")
	assert.Equal(t, 2, limiter.GetStatus("prof-1").Current)
}

func TestCriticalUnderCapIsNotABypass(t *testing.T) {
	limiter, _ := newTestLimiter(5)

	assert.True(t, limiter.Allow("prof-1", domain.PriorityCritical))
	assert.Equal(t, uint64(0), limiter.CriticalBypasses())
}

func TestProfilesAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(1)

	limiter.Tick("prof-1")
	assert.False(t, limiter.Allow("prof-1", domain.PriorityNormal))
	assert.True(t, limiter.Allow("prof-2", domain.PriorityNormal))
}

func TestGetStatusFields(t *testing.T) {
	limiter, clk := newTestLimiter(10)

	limiter.Tick("prof-1")
	limiter.Tick("prof-1")
	limiter.Tick("prof-1")

	status := limiter.GetStatus("prof-1")
	assert.Equal(t, 60, status.WindowSeconds)
	assert.Equal(t, 10, status.Cap)
	assert.Equal(t, 3, status.Current)
	assert.Equal(t, 7, status.Remaining)
	assert.False(t, status.Limited)
	assert.Equal(t, clk.Now().Truncate(time.Minute).Add(time.Minute), status.ResetAt)
}

func TestStatusClampsRemainingAtZero(t *testing.T) {
	limiter, _ := newTestLimiter(1)

	limiter.Tick("prof-1")
	limiter.Tick("prof-1") // critical bypass pushed past the cap

	status := limiter.GetStatus("prof-1")
	assert.Equal(t, 2, status.Current)
	assert.Equal(t, 0, status.Remaining)
	assert.True(t, status.Limited)
}

func TestDefaultCap(t *testing.T) {
	limiter, _ := newTestLimiter(0)
	assert.Equal(t, DefaultPerMinute, limiter.GetStatus("prof-1").Cap)
}
