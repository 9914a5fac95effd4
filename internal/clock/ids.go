package clock

import (
	"fmt"

	"github.com/google/uuid"
)

// IDs mints identifiers. The prefixed forms produce short ids like
// "sig_3fa85f64e9b1" used for signals, chains, nodes and evidence items.
type IDs struct{}

// NewID returns a full UUID string.
func (IDs) NewID() string {
	return uuid.New().String()
}

// Prefixed returns "<prefix>_<12 hex chars>" minted from a fresh UUID.
func (IDs) Prefixed(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex12(u)
}

func hex12(u uuid.UUID) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 12)
	for i := 0; i < 6; i++ {
		out[i*2] = hexdigits[u[i]>>4]
		out[i*2+1] = hexdigits[u[i]&0x0f]
	}
	return string(out)
}

// Minter is the id capability consumed by services. Tests substitute a
// sequence-based implementation for stable fixtures.
type Minter interface {
	NewID() string
	Prefixed(prefix string) string
}

// SeqIDs mints sequential ids ("node_000000000001", ...) so test fixtures
// stay stable across runs. Not safe for concurrent use.
type SeqIDs struct {
	n int
}

// NewID returns the next sequential id
func (s *SeqIDs) NewID() string {
	s.n++
	return fmt.Sprintf("id_%012d", s.n)
}

// Prefixed returns the next sequential id under prefix
func (s *SeqIDs) Prefixed(prefix string) string {
	s.n++
	return fmt.Sprintf("%s_%012d", prefix, s.n)
}
