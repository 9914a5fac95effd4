package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultQueueSize is the per-subscriber outbox capacity when none is configured
const DefaultQueueSize = 256

// Subscription is one subscriber's handle on the hub. Events arrive on C.
// The channel is closed when the subscription is removed, either by Close or
// by the hub evicting a subscriber whose queue filled up.
type Subscription struct {
	C chan *Event

	hub       *Hub
	profileID string
	filter    map[EventType]struct{}
	admin     bool
	closed    bool
}

// ProfileID returns the profile this subscription is scoped to.
// Empty for admin subscriptions.
func (s *Subscription) ProfileID() string {
	return s.profileID
}

// SetFilter restricts delivery to the given event types. A nil or empty set
// restores delivery of everything.
func (s *Subscription) SetFilter(types []EventType) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if len(types) == 0 {
		s.filter = nil
		return
	}
	filter := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}
	s.filter = filter
}

// Close removes the subscription from the hub and closes its channel
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Stats is a snapshot of hub activity
type Stats struct {
	ByProfile        map[string]int `json:"by_profile"`
	Subscribers      int            `json:"subscribers"`
	AdminSubscribers int            `json:"admin_subscribers"`
	Published        uint64         `json:"published"`
	Dropped          uint64         `json:"dropped"`
	Evicted          uint64         `json:"evicted"`
}

// Hub fans events out to per-profile subscriber sets. Publish never blocks:
// a subscriber whose queue is full is evicted on the spot, so a stuck
// consumer can never sit on a connection while silently missing events.
type Hub struct {
	byProfile map[string]map[*Subscription]struct{}
	admins    map[*Subscription]struct{}
	log       zerolog.Logger
	queueSize int

	published uint64
	dropped   uint64
	evicted   uint64

	mu sync.RWMutex
}

// NewHub creates an event hub. queueSize <= 0 selects the default capacity.
func NewHub(queueSize int, log zerolog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		byProfile: make(map[string]map[*Subscription]struct{}),
		admins:    make(map[*Subscription]struct{}),
		queueSize: queueSize,
		log:       log.With().Str("component", "event_hub").Logger(),
	}
}

// Subscribe registers a subscriber for one profile's events
func (h *Hub) Subscribe(profileID string) *Subscription {
	sub := &Subscription{
		C:         make(chan *Event, h.queueSize),
		hub:       h,
		profileID: profileID,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.byProfile[profileID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.byProfile[profileID] = set
	}
	set[sub] = struct{}{}

	h.log.Debug().Str("profile_id", profileID).Msg("Subscriber registered")
	return sub
}

// SubscribeAdmin registers a subscriber that receives every profile's events
// plus broadcasts
func (h *Hub) SubscribeAdmin() *Subscription {
	sub := &Subscription{
		C:     make(chan *Event, h.queueSize),
		hub:   h,
		admin: true,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.admins[sub] = struct{}{}

	h.log.Debug().Msg("Admin subscriber registered")
	return sub
}

// Publish delivers an event to the event's profile subscribers and to all
// admin subscribers. Publish never blocks.
func (h *Hub) Publish(event *Event) {
	if event == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	atomic.AddUint64(&h.published, 1)

	for sub := range h.byProfile[event.ProfileID] {
		h.send(sub, event)
	}
	for sub := range h.admins {
		h.send(sub, event)
	}
}

// Broadcast delivers an event to every subscriber regardless of profile
func (h *Hub) Broadcast(event *Event) {
	if event == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	atomic.AddUint64(&h.published, 1)

	for _, set := range h.byProfile {
		for sub := range set {
			h.send(sub, event)
		}
	}
	for sub := range h.admins {
		h.send(sub, event)
	}
}

// send attempts a non-blocking delivery. Callers must hold h.mu.
func (h *Hub) send(sub *Subscription, event *Event) {
	if sub.closed {
		return
	}
	if sub.filter != nil {
		if _, ok := sub.filter[event.Type]; !ok {
			return
		}
	}

	select {
	case sub.C <- event:
		return
	default:
	}

	// Queue full: the subscriber has stopped draining. Evict it immediately
	// so the closed channel tells the transport to hang up rather than
	// leaving a consumer connected with a gap in its stream.
	atomic.AddUint64(&h.dropped, 1)
	h.removeLocked(sub)
	atomic.AddUint64(&h.evicted, 1)
	h.log.Warn().
		Str("profile_id", sub.profileID).
		Str("event_type", string(event.Type)).
		Msg("Subscriber queue full, evicting")
}

// remove detaches a subscription and closes its channel
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// removeLocked detaches a subscription. Callers must hold h.mu.
func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true

	if sub.admin {
		delete(h.admins, sub)
	} else if set, ok := h.byProfile[sub.profileID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.byProfile, sub.profileID)
		}
	}
	close(sub.C)
}

// SubscriberCount returns the number of subscribers for one profile
func (h *Hub) SubscriberCount(profileID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byProfile[profileID])
}

// GetStats returns a snapshot of hub activity
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byProfile := make(map[string]int, len(h.byProfile))
	total := 0
	for id, set := range h.byProfile {
		byProfile[id] = len(set)
		total += len(set)
	}

	return Stats{
		ByProfile:        byProfile,
		Subscribers:      total,
		AdminSubscribers: len(h.admins),
		Published:        atomic.LoadUint64(&h.published),
		Dropped:          atomic.LoadUint64(&h.dropped),
		Evicted:          atomic.LoadUint64(&h.evicted),
	}
}

// CloseAll removes every subscriber, used during shutdown
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, set := range h.byProfile {
		for sub := range set {
			h.removeLocked(sub)
		}
	}
	for sub := range h.admins {
		h.removeLocked(sub)
	}
}
