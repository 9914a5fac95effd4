// Package events provides the event hub that fans control-plane events out to
// websocket subscribers. Delivery is at-most-once: slow subscribers lose
// events rather than slowing the publishers.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published
type EventType string

const (
	// Position lifecycle, emitted by the position reconciler
	PositionUpdate EventType = "position_update"
	PositionClosed EventType = "position_closed"

	// Account state samples, emitted by the account reconciler
	AccountUpdate EventType = "account_update"

	// Signal gate outcomes
	SignalGenerated EventType = "signal_generated"
	SignalApproved  EventType = "signal_approved"
	SignalRejected  EventType = "signal_rejected"
	SignalExpired   EventType = "signal_expired"

	// Emergency control plane
	RiskAlert           EventType = "risk_alert"
	KillSwitchActivated EventType = "kill_switch_activated"
	KillSwitchReleased  EventType = "kill_switch_released"
	PanicTriggered      EventType = "panic_hedge_triggered"
	PanicReset          EventType = "panic_reset"
	DrawdownWarning     EventType = "drawdown_warning"
	DrawdownHalt        EventType = "drawdown_halt"

	// Connection pool health
	ConnectionLost     EventType = "connection_lost"
	ConnectionRestored EventType = "connection_restored"

	// Admin broadcast channel
	SystemMessage EventType = "system_message"

	// Channel control frames, used only on the websocket transport
	Connected      EventType = "connected"
	Pong           EventType = "pong"
	ChannelError   EventType = "error"
	PositionsReply EventType = "positions"
	AccountReply   EventType = "account"
)

// Event is a single hub message. ProfileID scopes delivery: profile events
// reach that profile's subscribers plus admin subscribers, events with an
// empty ProfileID reach everyone.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"-"`
	Type      EventType              `json:"type"`
	ProfileID string                 `json:"profile_id,omitempty"`
}

// New creates an event stamped with the given time
func New(eventType EventType, profileID string, ts time.Time, data map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		ProfileID: profileID,
		Timestamp: ts,
		Data:      data,
	}
}

// MarshalJSON flattens Data into the top-level frame so subscribers receive
// {"type": ..., "timestamp": ..., "profile_id": ..., <payload fields>}.
func (e *Event) MarshalJSON() ([]byte, error) {
	frame := make(map[string]interface{}, len(e.Data)+3)
	for k, v := range e.Data {
		frame[k] = v
	}
	frame["type"] = e.Type
	frame["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.ProfileID != "" {
		frame["profile_id"] = e.ProfileID
	}
	return json.Marshal(frame)
}
