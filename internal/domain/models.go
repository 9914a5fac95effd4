// Package domain provides core domain models and types.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TenantRole controls what a tenant is allowed to do on the control plane
type TenantRole string

const (
	// RoleAdmin can manage tenants, profiles, and emergency controls for everyone
	RoleAdmin TenantRole = "admin"
	// RoleOperator can manage their own profiles and submit signals
	RoleOperator TenantRole = "operator"
	// RoleViewer has read-only access to their own data
	RoleViewer TenantRole = "viewer"
)

// TenantTier is the subscription tier a tenant is billed on. The tier never
// grants capabilities by itself; it drives admin projections and filters.
type TenantTier string

const (
	TierFree       TenantTier = "free"
	TierStarter    TenantTier = "starter"
	TierPro        TenantTier = "pro"
	TierEnterprise TenantTier = "enterprise"
)

// ValidTenantTier reports whether s names a known tier
func ValidTenantTier(s string) bool {
	switch TenantTier(s) {
	case TierFree, TierStarter, TierPro, TierEnterprise:
		return true
	}
	return false
}

// TenantStatus represents the lifecycle state of a tenant account
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant represents an account holder on the control plane
type Tenant struct {
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Email     string       `json:"email"`
	Role      TenantRole   `json:"role"`
	Tier      TenantTier   `json:"tier"`
	Status    TenantStatus `json:"status"`
}

// IsAdmin reports whether the tenant holds the admin role
func (t *Tenant) IsAdmin() bool {
	return t.Role == RoleAdmin
}

// ProfileStatus represents the lifecycle state of a trading profile
type ProfileStatus string

const (
	ProfileActive   ProfileStatus = "active"
	ProfileArchived ProfileStatus = "archived"
)

// Profile represents a single broker account managed by a tenant.
// All gating, limits, and emergency state are scoped to a profile.
type Profile struct {
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ID             string        `json:"id"`
	TenantID       string        `json:"tenant_id"`
	Name           string        `json:"name"`
	Broker         string        `json:"broker"`
	AccountNumber  string        `json:"account_number"`
	Server         string        `json:"server"`
	Timezone       string        `json:"timezone"`
	Status         ProfileStatus `json:"status"`
	GateConfig     GateConfig    `json:"gate_config"`
	TradingEnabled bool          `json:"trading_enabled"`
}

// Location resolves the profile timezone, falling back to UTC.
// The daily signal cap counts per civil day in this location.
func (p *Profile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GateConfig holds the per-profile risk thresholds evaluated by the signal gate
type GateConfig struct {
	// AllowedTradingHours restricts when signals may be approved, keyed by
	// lowercase weekday name ("monday") with "HH:MM-HH:MM" windows in the
	// profile's timezone. Nil or empty means no restriction; a day missing
	// from a non-empty map is closed.
	AllowedTradingHours map[string]string `json:"allowed_trading_hours,omitempty"`

	MinConfidence             float64 `json:"min_confidence"`
	MaxDailySignals           int     `json:"max_daily_signals"`
	MaxConcurrentPositions    int     `json:"max_concurrent_positions"`
	MaxDrawdownToTrade        float64 `json:"max_drawdown_to_trade"`
	MaxCorrelationExposure    float64 `json:"max_correlation_exposure"`
	NoTradeBeforeNewsMinutes  int     `json:"no_trade_before_news_minutes"`
	NoTradeAfterNewsMinutes   int     `json:"no_trade_after_news_minutes"`
	RequirePositiveExpectancy bool    `json:"require_positive_expectancy"`
	RequireRegimeAlignment    bool    `json:"require_regime_alignment"`
	AllowManualOverride       bool    `json:"allow_manual_override"`
	RequireGuardianApproval   bool    `json:"require_guardian_approval"`
}

// DefaultGateConfig returns the conservative defaults applied to new profiles
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinConfidence:             0.7,
		MaxDailySignals:           50,
		MaxConcurrentPositions:    2,
		MaxDrawdownToTrade:        0.15,
		MaxCorrelationExposure:    0.7,
		NoTradeBeforeNewsMinutes:  30,
		NoTradeAfterNewsMinutes:   30,
		RequirePositiveExpectancy: true,
		RequireRegimeAlignment:    true,
		AllowManualOverride:       true,
		RequireGuardianApproval:   true,
	}
}

// ParseTradingWindow parses an "HH:MM-HH:MM" trading window into minutes
// since midnight. A window whose end does not come after its start spans
// midnight.
func ParseTradingWindow(window string) (startMin, endMin int, err error) {
	parts := strings.Split(window, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("trading window %q must be HH:MM-HH:MM", window)
	}
	if startMin, err = parseClockMinutes(parts[0]); err != nil {
		return 0, 0, fmt.Errorf("trading window %q: %w", window, err)
	}
	if endMin, err = parseClockMinutes(parts[1]); err != nil {
		return 0, 0, fmt.Errorf("trading window %q: %w", window, err)
	}
	return startMin, endMin, nil
}

func parseClockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", strings.TrimSpace(s))
	}
	return t.Hour()*60 + t.Minute(), nil
}

// WithinTradingHours reports whether t falls inside the configured windows.
// Callers pass t already converted to the profile's timezone. An empty
// config allows trading at any time; malformed windows close their day.
func (c GateConfig) WithinTradingHours(t time.Time) bool {
	if len(c.AllowedTradingHours) == 0 {
		return true
	}
	window, ok := c.AllowedTradingHours[strings.ToLower(t.Weekday().String())]
	if !ok {
		return false
	}
	start, end, err := ParseTradingWindow(window)
	if err != nil {
		return false
	}
	cur := t.Hour()*60 + t.Minute()
	if end <= start {
		return cur >= start || cur < end
	}
	return cur >= start && cur < end
}

// MarshalGateConfig serializes a gate config for the profiles.gate_config column
func MarshalGateConfig(cfg GateConfig) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalGateConfig parses the profiles.gate_config column, applying defaults
// for any field the stored JSON omits so old rows pick up new thresholds.
func UnmarshalGateConfig(raw string) (GateConfig, error) {
	cfg := DefaultGateConfig()
	if raw == "" || raw == "{}" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return DefaultGateConfig(), err
	}
	return cfg, nil
}

// PositionSide represents the direction of an open position
type PositionSide string

const (
	SideBuy  PositionSide = "buy"
	SideSell PositionSide = "sell"
)

// PositionStatus represents whether a position is still open at the broker
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position represents a broker position mirrored into the control plane
type Position struct {
	OpenedAt     time.Time      `json:"opened_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ID           string         `json:"id"`
	ProfileID    string         `json:"profile_id"`
	Symbol       string         `json:"symbol"`
	Side         PositionSide   `json:"side"`
	Status       PositionStatus `json:"status"`
	Ticket       int64          `json:"ticket"`
	Volume       float64        `json:"volume"`
	OpenPrice    float64        `json:"open_price"`
	CurrentPrice float64        `json:"current_price"`
	StopLoss     float64        `json:"stop_loss"`
	TakeProfit   float64        `json:"take_profit"`
	Profit       float64        `json:"profit"`
	Swap         float64        `json:"swap"`
	Commission   float64        `json:"commission"`
}

// TradeRecord represents a closed position archived to trade history
type TradeRecord struct {
	OpenedAt    time.Time    `json:"opened_at"`
	ClosedAt    time.Time    `json:"closed_at"`
	ID          string       `json:"id"`
	ProfileID   string       `json:"profile_id"`
	Symbol      string       `json:"symbol"`
	Side        PositionSide `json:"side"`
	CloseReason string       `json:"close_reason"`
	Ticket      int64        `json:"ticket"`
	Volume      float64      `json:"volume"`
	OpenPrice   float64      `json:"open_price"`
	ClosePrice  float64      `json:"close_price"`
	Profit      float64      `json:"profit"`
	Swap        float64      `json:"swap"`
	Commission  float64      `json:"commission"`
}

// AccountSnapshot represents an account state sample taken by the reconciler
type AccountSnapshot struct {
	TakenAt     time.Time `json:"taken_at"`
	ProfileID   string    `json:"profile_id"`
	Currency    string    `json:"currency"`
	ID          int64     `json:"id"`
	Balance     float64   `json:"balance"`
	Equity      float64   `json:"equity"`
	Margin      float64   `json:"margin"`
	FreeMargin  float64   `json:"free_margin"`
	MarginLevel float64   `json:"margin_level"`
	Leverage    int       `json:"leverage"`
}

// Drawdown returns the fraction of balance currently lost to floating P/L.
// Non-positive balance yields zero so a fresh account never trips the gate.
func (a *AccountSnapshot) Drawdown() float64 {
	if a.Balance <= 0 {
		return 0
	}
	dd := (a.Balance - a.Equity) / a.Balance
	if dd < 0 {
		return 0
	}
	return dd
}

// AlertSeverity classifies operator alerts
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertError    AlertSeverity = "error"
	AlertCritical AlertSeverity = "critical"
)

// Alert represents an operator-facing notification raised by the control
// plane. Rows are append-only; acknowledge is the only mutation.
type Alert struct {
	CreatedAt      time.Time              `json:"created_at"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	ID             string                 `json:"id"`
	ProfileID      string                 `json:"profile_id,omitempty"`
	TenantID       string                 `json:"tenant_id,omitempty"`
	Kind           string                 `json:"kind"`
	Source         string                 `json:"source"`
	Message        string                 `json:"message"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
	Severity       AlertSeverity          `json:"severity"`
	Acknowledged   bool                   `json:"acknowledged"`
}

// PanicTrigger identifies what tripped the panic hedge
type PanicTrigger string

const (
	TriggerFlashCrash    PanicTrigger = "flash_crash"
	TriggerVolSpike      PanicTrigger = "vol_spike"
	TriggerSpreadBlowout PanicTrigger = "spread_blowout"
	TriggerDrawdown      PanicTrigger = "drawdown"
	TriggerManual        PanicTrigger = "manual"
)

// PanicState represents the emergency halt state of a single profile.
// While active, the signal gate rejects everything for that profile.
type PanicState struct {
	TriggeredAt     time.Time    `json:"triggered_at"`
	CooldownUntil   time.Time    `json:"cooldown_until"`
	ProfileID       string       `json:"profile_id"`
	Trigger         PanicTrigger `json:"trigger"`
	Reason          string       `json:"reason"`
	ClosedPositions int          `json:"closed_positions"`
	Active          bool         `json:"active"`
}

// InCooldown reports whether the panic cooldown is still running at now
func (p *PanicState) InCooldown(now time.Time) bool {
	return p.Active && now.Before(p.CooldownUntil)
}

// SystemEvent represents an audit-trail event persisted to the audit database
type SystemEvent struct {
	CreatedAt time.Time              `json:"created_at"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ID        string                 `json:"id"`
	EventType string                 `json:"event_type"`
	ProfileID string                 `json:"profile_id,omitempty"`
	Severity  AlertSeverity          `json:"severity"`
}
