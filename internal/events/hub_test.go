package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(eventType EventType, profileID string) *Event {
	return New(eventType, profileID, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), nil)
}

func TestPublishReachesProfileAndAdminSubscribers(t *testing.T) {
	h := NewHub(8, zerolog.Nop())
	sub := h.Subscribe("prof-1")
	other := h.Subscribe("prof-2")
	admin := h.SubscribeAdmin()

	h.Publish(testEvent(AccountUpdate, "prof-1"))

	require.Len(t, sub.C, 1)
	assert.Len(t, other.C, 0)
	require.Len(t, admin.C, 1)
	assert.Equal(t, AccountUpdate, (<-sub.C).Type)
}

func TestFilterRestrictsDelivery(t *testing.T) {
	h := NewHub(8, zerolog.Nop())
	sub := h.Subscribe("prof-1")
	sub.SetFilter([]EventType{RiskAlert})

	h.Publish(testEvent(AccountUpdate, "prof-1"))
	h.Publish(testEvent(RiskAlert, "prof-1"))

	require.Len(t, sub.C, 1)
	assert.Equal(t, RiskAlert, (<-sub.C).Type)

	sub.SetFilter(nil)
	h.Publish(testEvent(AccountUpdate, "prof-1"))
	assert.Len(t, sub.C, 1)
}

func TestFullQueueEvictsSubscriberImmediately(t *testing.T) {
	h := NewHub(2, zerolog.Nop())
	stuck := h.Subscribe("prof-1")
	healthy := h.Subscribe("prof-1")

	h.Publish(testEvent(AccountUpdate, "prof-1"))
	h.Publish(testEvent(AccountUpdate, "prof-1"))
	require.Equal(t, 2, h.SubscriberCount("prof-1"))

	// Third event overflows the stuck subscriber's queue; it must be
	// evicted on that send, not left connected with a gap in its stream.
	h.Publish(testEvent(RiskAlert, "prof-1"))

	assert.Equal(t, 1, h.SubscriberCount("prof-1"))

	// The buffered events drain, then the closed channel signals eviction
	<-stuck.C
	<-stuck.C
	_, open := <-stuck.C
	assert.False(t, open, "evicted subscription channel must be closed")

	require.Len(t, healthy.C, 3)

	stats := h.GetStats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(1), stats.Evicted)
}

func TestBroadcastIgnoresProfileScope(t *testing.T) {
	h := NewHub(8, zerolog.Nop())
	a := h.Subscribe("prof-1")
	b := h.Subscribe("prof-2")

	h.Broadcast(testEvent(SystemMessage, ""))

	assert.Len(t, a.C, 1)
	assert.Len(t, b.C, 1)
}

func TestCloseAllClosesEveryChannel(t *testing.T) {
	h := NewHub(8, zerolog.Nop())
	sub := h.Subscribe("prof-1")
	admin := h.SubscribeAdmin()

	h.CloseAll()

	_, open := <-sub.C
	assert.False(t, open)
	_, open = <-admin.C
	assert.False(t, open)
	assert.Equal(t, 0, h.SubscriberCount("prof-1"))
}
