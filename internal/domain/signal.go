package domain

import "time"

// SignalDirection represents the requested trade direction
type SignalDirection string

const (
	DirectionBuy   SignalDirection = "buy"
	DirectionSell  SignalDirection = "sell"
	DirectionClose SignalDirection = "close"
)

// Valid reports whether the direction is one of the accepted values
func (d SignalDirection) Valid() bool {
	switch d {
	case DirectionBuy, DirectionSell, DirectionClose:
		return true
	}
	return false
}

// SignalSource identifies where a trading signal originated
type SignalSource string

const (
	SourceStrategy SignalSource = "strategy"
	SourceManual   SignalSource = "manual"
	SourceSystem   SignalSource = "system"
	SourceExternal SignalSource = "external"
)

// Valid reports whether the source is one of the accepted values
func (s SignalSource) Valid() bool {
	switch s {
	case SourceStrategy, SourceManual, SourceSystem, SourceExternal:
		return true
	}
	return false
}

// SignalPriority controls queueing behavior. Critical signals bypass the
// per-profile rate limit but still count toward it.
type SignalPriority string

const (
	PriorityLow      SignalPriority = "low"
	PriorityNormal   SignalPriority = "normal"
	PriorityHigh     SignalPriority = "high"
	PriorityCritical SignalPriority = "critical"
)

// Valid reports whether the priority is one of the accepted values
func (p SignalPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Signal represents an inbound trading signal before gating. ID is minted on
// acceptance; IdempotencyKey is the caller-supplied replay key.
type Signal struct {
	ReceivedAt     time.Time              `json:"received_at"`
	ValidUntil     *time.Time             `json:"valid_until,omitempty"`
	Features       map[string]interface{} `json:"features,omitempty"`
	ID             string                 `json:"signal_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	ProfileID      string                 `json:"profile_id"`
	Symbol         string                 `json:"symbol"`
	StrategyName   string                 `json:"strategy_name,omitempty"`
	ModelVersion   string                 `json:"model_version,omitempty"`
	Reasoning      string                 `json:"reasoning,omitempty"`
	Direction      SignalDirection        `json:"direction"`
	Source         SignalSource           `json:"source"`
	Priority       SignalPriority         `json:"priority"`
	Confidence     float64                `json:"confidence"`
	SuggestedSize  float64                `json:"suggested_size,omitempty"`
	StopLoss       float64                `json:"stop_loss,omitempty"`
	TakeProfit     float64                `json:"take_profit,omitempty"`
}

// Expired reports whether the signal's validity window has passed at now
func (s *Signal) Expired(now time.Time) bool {
	return s.ValidUntil != nil && !s.ValidUntil.After(now)
}

// DecisionStatus represents the lifecycle of a gated signal
type DecisionStatus string

const (
	// StatusPending - accepted but not yet evaluated (batch intake)
	StatusPending DecisionStatus = "pending"
	// StatusApproved - every gate passed, signal may be executed
	StatusApproved DecisionStatus = "approved"
	// StatusRejected - one or more gates blocked the signal
	StatusRejected DecisionStatus = "rejected"
	// StatusExpired - valid_until passed before execution
	StatusExpired DecisionStatus = "expired"
	// StatusExecuted - downstream execution confirmed
	StatusExecuted DecisionStatus = "executed"
	// StatusFailed - downstream execution failed
	StatusFailed DecisionStatus = "failed"
)

// Gate names in evaluation order. Every gate is evaluated for every signal
// so a rejection reports the full set of failures, not just the first.
const (
	GateTradingEnabled = "trading_enabled"
	GatePanic          = "panic_not_active"
	GateConfidence     = "confidence"
	GatePositionLimit  = "position_limit"
	GateDrawdown       = "drawdown"
	GateDailyLimit     = "daily_limit"
	GateTradingHours   = "trading_hours"
	GateFreshness      = "freshness"
)

// GateOrder is the canonical evaluation order of the signal gate chain
var GateOrder = []string{
	GateTradingEnabled,
	GatePanic,
	GateConfidence,
	GatePositionLimit,
	GateDrawdown,
	GateDailyLimit,
	GateTradingHours,
	GateFreshness,
}

// GateResult represents the verdict of a single gate for one signal
type GateResult struct {
	Detail map[string]interface{} `json:"detail,omitempty"`
	Name   string                 `json:"name"`
	Reason string                 `json:"reason,omitempty"`
	Passed bool                   `json:"passed"`
}

// Decision represents the sealed outcome of gating one signal. Signal is the
// immutable inputs snapshot. Once persisted with its hash and chain, a
// decision row never changes except for the expiration and execution status
// transitions.
type Decision struct {
	DecidedAt    time.Time      `json:"decided_at"`
	ExecutedAt   *time.Time     `json:"executed_at,omitempty"`
	Signal       Signal         `json:"signal"`
	ID           string         `json:"id"`
	Error        string         `json:"error,omitempty"`
	DecisionHash string         `json:"decision_hash"`
	ChainID      string         `json:"chain_id,omitempty"`
	Reason       string         `json:"decision_reason,omitempty"`
	Status       DecisionStatus `json:"status"`
	GateResults  []GateResult   `json:"gate_checks"`
	ProcessingMS int64          `json:"processing_ms"`
}

// Approved reports whether the decision cleared every gate
func (d *Decision) Approved() bool {
	return d.Status == StatusApproved
}

// FailedGates returns the names of gates that blocked the signal, in chain
// order
func (d *Decision) FailedGates() []string {
	var failed []string
	for _, g := range d.GateResults {
		if !g.Passed {
			failed = append(failed, g.Name)
		}
	}
	return failed
}

// RejectionReasons collects the reasons of failing gate checks, in chain
// order
func (d *Decision) RejectionReasons() []string {
	var reasons []string
	for _, g := range d.GateResults {
		if !g.Passed && g.Reason != "" {
			reasons = append(reasons, g.Reason)
		}
	}
	return reasons
}
