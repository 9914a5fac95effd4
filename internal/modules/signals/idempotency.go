package signals

import (
	"fmt"
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultIdempotencyTTL bounds how long a replay returns the original decision
const DefaultIdempotencyTTL = 24 * time.Hour

// entry is one cached decision
type entry struct {
	storedAt time.Time
	data     []byte
}

// bucket holds one profile's entries in insertion order for oldest-out
// eviction
type bucket struct {
	entries map[string]*entry
	order   []string
}

// IdempotencyStats is a snapshot of cache activity
type IdempotencyStats struct {
	Entries  int    `json:"entries"`
	Profiles int    `json:"profiles"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Evicted  uint64 `json:"evicted"`
	Expired  uint64 `json:"expired"`
}

// IdempotencyCache stores sealed decisions so a replayed submission returns
// the original decision with no side effects. Values are stored serialised;
// a hit decodes a fresh copy so callers can never mutate the cached original.
// Keyed by (profile, idempotency key).
// Expired entries are swept lazily on read and eagerly by the janitor.
type IdempotencyCache struct {
	buckets  map[string]*bucket
	clk      clock.Clock
	log      zerolog.Logger
	ttl      time.Duration
	capacity int

	hits    uint64
	misses  uint64
	evicted uint64
	expired uint64

	mu sync.Mutex
}

// NewIdempotencyCache creates a cache. ttl <= 0 selects the default;
// capacity <= 0 means unbounded per profile.
func NewIdempotencyCache(ttl time.Duration, capacity int, clk clock.Clock, log zerolog.Logger) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyCache{
		buckets:  make(map[string]*bucket),
		clk:      clk,
		ttl:      ttl,
		capacity: capacity,
		log:      log.With().Str("component", "idempotency").Logger(),
	}
}

// Get returns the cached decision for (profile, key), or nil on miss.
// An expired entry is removed and reported as a miss.
func (c *IdempotencyCache) Get(profileID, key string) (*domain.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[profileID]
	if !ok {
		c.misses++
		return nil, false
	}
	e, ok := b.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	if c.clk.Now().Sub(e.storedAt) > c.ttl {
		b.drop(key)
		c.expired++
		c.misses++
		if len(b.entries) == 0 {
			delete(c.buckets, profileID)
		}
		return nil, false
	}

	var d domain.Decision
	if err := msgpack.Unmarshal(e.data, &d); err != nil {
		// A corrupt entry cannot satisfy the replay guarantee, drop it
		c.log.Error().Err(err).Str("profile_id", profileID).Msg("Dropping undecodable cache entry")
		b.drop(key)
		c.misses++
		return nil, false
	}

	c.hits++
	return &d, true
}

// Put stores a sealed decision. Never call this before the decision has been
// durably persisted; a cached decision that is not in the audit store would
// make replays lie.
func (c *IdempotencyCache) Put(profileID, key string, d *domain.Decision) error {
	data, err := msgpack.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision for cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[profileID]
	if !ok {
		b = &bucket{entries: make(map[string]*entry)}
		c.buckets[profileID] = b
	}

	if _, exists := b.entries[key]; !exists {
		b.order = append(b.order, key)
	}
	b.entries[key] = &entry{storedAt: c.clk.Now(), data: data}

	// Oldest-out when a profile overflows its slot budget. The rate
	// limiter bounds writes so this stays rare.
	for c.capacity > 0 && len(b.entries) > c.capacity {
		oldest := b.order[0]
		b.drop(oldest)
		c.evicted++
		c.log.Warn().
			Str("profile_id", profileID).
			Str("key", oldest).
			Msg("Idempotency cache over capacity, dropped oldest entry")
	}
	return nil
}

// Sweep removes every expired entry. The janitor job calls this on an
// interval; reads also sweep lazily.
func (c *IdempotencyCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	removed := 0
	for profileID, b := range c.buckets {
		for _, key := range append([]string(nil), b.order...) {
			if e, ok := b.entries[key]; ok && now.Sub(e.storedAt) > c.ttl {
				b.drop(key)
				removed++
			}
		}
		if len(b.entries) == 0 {
			delete(c.buckets, profileID)
		}
	}

	if removed > 0 {
		c.expired += uint64(removed)
		c.log.Debug().Int("removed", removed).Msg("Idempotency sweep complete")
	}
	return removed
}

// Len returns the total number of live entries
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, b := range c.buckets {
		total += len(b.entries)
	}
	return total
}

// GetStats returns a snapshot of cache activity
func (c *IdempotencyCache) GetStats() IdempotencyStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, b := range c.buckets {
		total += len(b.entries)
	}
	return IdempotencyStats{
		Entries:  total,
		Profiles: len(c.buckets),
		Hits:     c.hits,
		Misses:   c.misses,
		Evicted:  c.evicted,
		Expired:  c.expired,
	}
}

// drop removes a key from the bucket and its order list
func (b *bucket) drop(key string) {
	delete(b.entries, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
