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

func sampleDecision(id string) *domain.Decision {
	decided := time.Date(2026, 3, 10, 12, 0, 0, 123456789, time.UTC)
	return &domain.Decision{
		ID:           id,
		Status:       domain.StatusApproved,
		DecisionHash: "a1b2c3d4e5f60718293a4b5c6d7e8f90",
		DecidedAt:    decided,
		ProcessingMS: 12,
		Signal: domain.Signal{
			ID:             "sig_001122334455",
			IdempotencyKey: "k-0001",
			ProfileID:      "prof-1",
			Symbol:         "EURUSD",
			Direction:      domain.DirectionBuy,
			Confidence:     0.85,
			Priority:       domain.PriorityNormal,
			Source:         domain.SourceStrategy,
			ReceivedAt:     decided.Add(-15 * time.Millisecond),
		},
		GateResults: []domain.GateResult{
			{Name: domain.GateTradingEnabled, Passed: true},
			{Name: domain.GateConfidence, Passed: true, Detail: map[string]interface{}{"confidence": 0.85}},
		},
	}
}

func newTestCache(ttl time.Duration, capacity int) (*IdempotencyCache, *clock.Fixed) {
	clk := clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	return NewIdempotencyCache(ttl, capacity, clk, zerolog.Nop()), clk
}

func TestPutGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(time.Hour, 0)

	original := sampleDecision("dec-1")
	require.NoError(t, c.Put("prof-1", "k-0001", original))

	got, ok := c.Get("prof-1", "k-0001")
	require.True(t, ok)
	assert.Equal(t, original.ID, got.ID)
	assert.Equal(t, original.DecisionHash, got.DecisionHash)
	assert.Equal(t, original.DecidedAt, got.DecidedAt)
	assert.Equal(t, original.Signal.ReceivedAt, got.Signal.ReceivedAt)
	assert.Len(t, got.GateResults, 2)

	// The replayed copy is independent of the original
	got.Status = domain.StatusRejected
	again, ok := c.Get("prof-1", "k-0001")
	require.True(t, ok)
	assert.Equal(t, domain.StatusApproved, again.Status)
}

func TestMissOnUnknownKeyAndProfileScoping(t *testing.T) {
	c, _ := newTestCache(time.Hour, 0)
	require.NoError(t, c.Put("prof-1", "k-0001", sampleDecision("dec-1")))

	_, ok := c.Get("prof-1", "k-9999")
	assert.False(t, ok)

	// Same key under a different profile is a different keyspace
	_, ok = c.Get("prof-2", "k-0001")
	assert.False(t, ok)
}

func TestLazyExpiryOnGet(t *testing.T) {
	c, clk := newTestCache(time.Hour, 0)
	require.NoError(t, c.Put("prof-1", "k-0001", sampleDecision("dec-1")))

	clk.Advance(time.Hour + time.Second)
	_, ok := c.Get("prof-1", "k-0001")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestJanitorSweep(t *testing.T) {
	c, clk := newTestCache(time.Hour, 0)
	require.NoError(t, c.Put("prof-1", "k-0001", sampleDecision("dec-1")))
	require.NoError(t, c.Put("prof-1", "k-0002", sampleDecision("dec-2")))

	clk.Advance(30 * time.Minute)
	require.NoError(t, c.Put("prof-2", "k-0003", sampleDecision("dec-3")))

	// First two entries are past TTL, the third is not
	clk.Advance(31 * time.Minute)
	removed := c.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("prof-2", "k-0003")
	assert.True(t, ok)
}

func TestCapacityOldestOut(t *testing.T) {
	c, clk := newTestCache(time.Hour, 2)

	require.NoError(t, c.Put("prof-1", "k-0001", sampleDecision("dec-1")))
	clk.Advance(time.Second)
	require.NoError(t, c.Put("prof-1", "k-0002", sampleDecision("dec-2")))
	clk.Advance(time.Second)
	require.NoError(t, c.Put("prof-1", "k-0003", sampleDecision("dec-3")))

	_, ok := c.Get("prof-1", "k-0001")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("prof-1", "k-0002")
	assert.True(t, ok)
	_, ok = c.Get("prof-1", "k-0003")
	assert.True(t, ok)

	// Capacity is per profile, another profile is unaffected
	require.NoError(t, c.Put("prof-2", "k-0001", sampleDecision("dec-4")))
	_, ok = c.Get("prof-2", "k-0001")
	assert.True(t, ok)
}

func TestStatsCounters(t *testing.T) {
	c, clk := newTestCache(time.Hour, 0)
	require.NoError(t, c.Put("prof-1", "k-0001", sampleDecision("dec-1")))

	c.Get("prof-1", "k-0001")
	c.Get("prof-1", "missing")
	clk.Advance(2 * time.Hour)
	c.Get("prof-1", "k-0001")

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, 0, stats.Entries)
}
