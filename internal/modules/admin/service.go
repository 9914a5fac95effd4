package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/pool"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownTenant means the acting tenant does not exist
	ErrUnknownTenant = errors.New("unknown tenant")
	// ErrNotAdmin means the acting tenant lacks the admin role
	ErrNotAdmin = errors.New("admin role required")
	// ErrTenantSuspended means the acting tenant is suspended
	ErrTenantSuspended = errors.New("tenant is suspended")
	// ErrSelfSuspend blocks an admin from suspending their own account
	ErrSelfSuspend = errors.New("cannot suspend your own account")
	// ErrSelfDemote blocks an admin from removing their own admin role
	ErrSelfDemote = errors.New("cannot remove your own admin role")
	// ErrLastAdmin blocks demoting or suspending the only remaining admin
	ErrLastAdmin = errors.New("cannot remove the last admin")
	// ErrTenantNotFound means the target tenant does not exist
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrProfileNotFound means the target profile does not exist
	ErrProfileNotFound = errors.New("profile not found")
	// ErrInvalidPatch means a patch carried a value outside the allowed set
	ErrInvalidPatch = errors.New("invalid patch")
)

// TenantStoreInterface is the tenant persistence the admin plane needs
type TenantStoreInterface interface {
	GetByID(id string) (*domain.Tenant, error)
	List() ([]domain.Tenant, error)
	Update(t domain.Tenant) error
	CountAdmins() (int, error)
}

// ProfileStoreInterface is the profile persistence the admin plane needs
type ProfileStoreInterface interface {
	GetByID(id string) (*domain.Profile, error)
	ListByTenant(tenantID string) ([]domain.Profile, error)
	ListActive() ([]domain.Profile, error)
	Update(p domain.Profile) error
	SetTradingEnabled(id string, enabled bool, now time.Time) error
}

// PositionCounterInterface counts open positions per profile
type PositionCounterInterface interface {
	CountOpenByProfile(profileID string) (int, error)
}

// SnapshotReaderInterface reads the latest account snapshot per profile
type SnapshotReaderInterface interface {
	Latest(profileID string) (*domain.AccountSnapshot, error)
}

// PoolInterface is the slice of the connection pool the admin plane needs
type PoolInterface interface {
	IsLive(profileID string) bool
	Disconnect(ctx context.Context, profileID, reason string) error
	GetStats() pool.Stats
}

// HubInterface fans admin broadcasts out to subscribers
type HubInterface interface {
	Publish(event *events.Event)
	Broadcast(event *events.Event)
	GetStats() events.Stats
}

// PanicReaderInterface reads active emergency halts for the dashboard
type PanicReaderInterface interface {
	ActivePanics() []domain.PanicState
}

// Deps wires the admin service
type Deps struct {
	Tenants   TenantStoreInterface
	Profiles  ProfileStoreInterface
	Positions PositionCounterInterface
	Snapshots SnapshotReaderInterface
	Pool      PoolInterface
	Hub       HubInterface
	Panics    PanicReaderInterface
	Alerts    *AlertRepository
	Clock     clock.Clock
	IDs       clock.Minter
	Log       zerolog.Logger
}

// Service implements the admin control plane. Every privileged action in the
// system funnels through Authorise, so the deny rules live in one place.
type Service struct {
	tenants   TenantStoreInterface
	profiles  ProfileStoreInterface
	positions PositionCounterInterface
	snapshots SnapshotReaderInterface
	pool      PoolInterface
	hub       HubInterface
	panics    PanicReaderInterface
	alerts    *AlertRepository
	clk       clock.Clock
	ids       clock.Minter
	log       zerolog.Logger
	startedAt time.Time
}

// NewService creates the admin service
func NewService(d Deps) *Service {
	return &Service{
		tenants:   d.Tenants,
		profiles:  d.Profiles,
		positions: d.Positions,
		snapshots: d.Snapshots,
		pool:      d.Pool,
		hub:       d.Hub,
		panics:    d.Panics,
		alerts:    d.Alerts,
		clk:       d.Clock,
		ids:       d.IDs,
		log:       d.Log.With().Str("component", "admin").Logger(),
		startedAt: d.Clock.Now(),
	}
}

// Authorise checks whether tenantID may perform action against target.
// A nil return grants the action. All privileged handlers call this before
// touching anything.
func (s *Service) Authorise(tenantID, action, target string) error {
	tenant, err := s.tenants.GetByID(tenantID)
	if err != nil {
		return fmt.Errorf("failed to load tenant: %w", err)
	}
	if tenant == nil {
		return ErrUnknownTenant
	}
	if !tenant.IsAdmin() {
		return ErrNotAdmin
	}
	if tenant.Status == domain.TenantSuspended {
		return ErrTenantSuspended
	}
	if action == "tenant_suspend" && target == tenantID {
		return ErrSelfSuspend
	}
	if action == "tenant_demote" && target == tenantID {
		return ErrSelfDemote
	}
	return nil
}

// Alerts exposes the alert repository for wiring into the other modules
func (s *Service) Alerts() *AlertRepository {
	return s.alerts
}

// ============================================================================
// Projections
// ============================================================================

// Dashboard is the admin landing-page projection
type Dashboard struct {
	GeneratedAt   time.Time           `json:"generated_at"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Tenants       TenantBreakdown     `json:"tenants"`
	Profiles      ProfileBreakdown    `json:"profiles"`
	Pool          pool.Stats          `json:"pool"`
	Hub           events.Stats        `json:"hub"`
	ActivePanics  []domain.PanicState `json:"active_panics"`
	OpenAlerts    map[string]int      `json:"open_alerts"`
	RecentAlerts  []domain.Alert      `json:"recent_alerts"`
}

// TenantBreakdown counts tenants by role, tier, and status
type TenantBreakdown struct {
	Total     int            `json:"total"`
	Suspended int            `json:"suspended"`
	ByRole    map[string]int `json:"by_role"`
	ByTier    map[string]int `json:"by_tier"`
}

// ProfileBreakdown counts profiles by state
type ProfileBreakdown struct {
	Total          int `json:"total"`
	TradingEnabled int `json:"trading_enabled"`
	Connected      int `json:"connected"`
}

// Dashboard assembles the fleet-wide overview
func (s *Service) Dashboard() (*Dashboard, error) {
	tenants, err := s.tenants.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	tb := TenantBreakdown{
		Total:  len(tenants),
		ByRole: make(map[string]int),
		ByTier: make(map[string]int),
	}
	for _, t := range tenants {
		tb.ByRole[string(t.Role)]++
		tb.ByTier[string(t.Tier)]++
		if t.Status == domain.TenantSuspended {
			tb.Suspended++
		}
	}

	profiles, err := s.profiles.ListActive()
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	pb := ProfileBreakdown{Total: len(profiles)}
	for _, p := range profiles {
		if p.TradingEnabled {
			pb.TradingEnabled++
		}
		if s.pool.IsLive(p.ID) {
			pb.Connected++
		}
	}

	open, err := s.alerts.UnacknowledgedCount()
	if err != nil {
		return nil, err
	}

	acked := false
	recent, _, err := s.alerts.List(AlertFilter{Acknowledged: &acked, Limit: 10})
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	return &Dashboard{
		GeneratedAt:   now,
		UptimeSeconds: now.Sub(s.startedAt).Seconds(),
		Tenants:       tb,
		Profiles:      pb,
		Pool:          s.pool.GetStats(),
		Hub:           s.hub.GetStats(),
		ActivePanics:  s.panics.ActivePanics(),
		OpenAlerts:    open,
		RecentAlerts:  recent,
	}, nil
}

// TenantFilter narrows the tenants page
type TenantFilter struct {
	Search string
	Role   string
	Tier   string
	Status string
}

// TenantRow is one tenant with its profile aggregates
type TenantRow struct {
	domain.Tenant
	ProfileCount int     `json:"profile_count"`
	LiveCount    int     `json:"live_count"`
	TotalBalance float64 `json:"total_balance"`
	TotalEquity  float64 `json:"total_equity"`
}

// Tenants assembles the tenants page: each tenant with profile counts and
// balance aggregates from the latest account snapshots
func (s *Service) Tenants(f TenantFilter) ([]TenantRow, error) {
	tenants, err := s.tenants.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	rows := make([]TenantRow, 0, len(tenants))
	for _, t := range tenants {
		if f.Role != "" && string(t.Role) != f.Role {
			continue
		}
		if f.Tier != "" && string(t.Tier) != f.Tier {
			continue
		}
		if f.Status != "" && string(t.Status) != f.Status {
			continue
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(t.Name), needle) &&
				!strings.Contains(strings.ToLower(t.Email), needle) {
				continue
			}
		}

		row := TenantRow{Tenant: t}
		profiles, err := s.profiles.ListByTenant(t.ID)
		if err != nil {
			return nil, err
		}
		row.ProfileCount = len(profiles)
		for _, p := range profiles {
			if s.pool.IsLive(p.ID) {
				row.LiveCount++
			}
			snap, err := s.snapshots.Latest(p.ID)
			if err != nil || snap == nil {
				continue
			}
			row.TotalBalance += snap.Balance
			row.TotalEquity += snap.Equity
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows, nil
}

// ProfileFilter narrows the profiles page
type ProfileFilter struct {
	TenantID  string
	Broker    string
	Connected *bool
	Trading   *bool
}

// ProfileRow is one profile with its live state
type ProfileRow struct {
	domain.Profile
	Connected     bool    `json:"connected"`
	OpenPositions int     `json:"open_positions"`
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
}

// Profiles assembles the profiles page
func (s *Service) Profiles(f ProfileFilter) ([]ProfileRow, error) {
	var profiles []domain.Profile
	var err error
	if f.TenantID != "" {
		profiles, err = s.profiles.ListByTenant(f.TenantID)
	} else {
		profiles, err = s.profiles.ListActive()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	rows := make([]ProfileRow, 0, len(profiles))
	for _, p := range profiles {
		if f.Broker != "" && p.Broker != f.Broker {
			continue
		}
		connected := s.pool.IsLive(p.ID)
		if f.Connected != nil && connected != *f.Connected {
			continue
		}
		if f.Trading != nil && p.TradingEnabled != *f.Trading {
			continue
		}

		row := ProfileRow{Profile: p, Connected: connected}
		if n, err := s.positions.CountOpenByProfile(p.ID); err == nil {
			row.OpenPositions = n
		}
		if snap, err := s.snapshots.Latest(p.ID); err == nil && snap != nil {
			row.Balance = snap.Balance
			row.Equity = snap.Equity
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// AlertsPage is the alert inbox projection
type AlertsPage struct {
	Alerts []domain.Alert `json:"alerts"`
	Total  int            `json:"total"`
	Open   map[string]int `json:"open"`
}

// ListAlerts assembles the alert inbox with its unacked counts
func (s *Service) ListAlerts(f AlertFilter) (*AlertsPage, error) {
	alerts, total, err := s.alerts.List(f)
	if err != nil {
		return nil, err
	}
	open, err := s.alerts.UnacknowledgedCount()
	if err != nil {
		return nil, err
	}
	return &AlertsPage{Alerts: alerts, Total: total, Open: open}, nil
}

// ============================================================================
// Mutations
// ============================================================================

// TenantPatch carries the mutable tenant fields. Nil means "leave unchanged".
type TenantPatch struct {
	Name   *string `json:"name"`
	Email  *string `json:"email"`
	Role   *string `json:"role"`
	Tier   *string `json:"tier"`
	Status *string `json:"status"`
}

// PatchTenant applies a partial update to a tenant. Removing the admin role
// from yourself or from the last remaining admin is refused.
func (s *Service) PatchTenant(actor, id string, patch TenantPatch) (*domain.Tenant, error) {
	action := "tenant_patch"
	demoting := false
	suspending := false
	if patch.Role != nil && domain.TenantRole(*patch.Role) != domain.RoleAdmin {
		demoting = true
		action = "tenant_demote"
	}
	if patch.Status != nil && domain.TenantStatus(*patch.Status) == domain.TenantSuspended {
		suspending = true
		action = "tenant_suspend"
	}
	if err := s.Authorise(actor, action, id); err != nil {
		return nil, err
	}

	tenant, err := s.tenants.GetByID(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	if tenant == nil {
		return nil, ErrTenantNotFound
	}

	if tenant.IsAdmin() && (demoting || suspending) {
		admins, err := s.tenants.CountAdmins()
		if err != nil {
			return nil, err
		}
		if admins <= 1 {
			return nil, ErrLastAdmin
		}
	}

	if patch.Name != nil {
		tenant.Name = *patch.Name
	}
	if patch.Email != nil {
		tenant.Email = *patch.Email
	}
	if patch.Role != nil {
		tenant.Role = domain.TenantRole(*patch.Role)
	}
	if patch.Tier != nil {
		if !domain.ValidTenantTier(*patch.Tier) {
			return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidPatch, *patch.Tier)
		}
		tenant.Tier = domain.TenantTier(*patch.Tier)
	}
	if patch.Status != nil {
		tenant.Status = domain.TenantStatus(*patch.Status)
	}
	tenant.UpdatedAt = s.clk.Now()

	if err := s.tenants.Update(*tenant); err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}

	s.log.Info().
		Str("tenant_id", id).
		Str("actor", actor).
		Msg("Tenant updated")
	return tenant, nil
}

// SuspendTenant suspends a tenant and force-disconnects every one of their
// profiles from the broker pool
func (s *Service) SuspendTenant(ctx context.Context, actor, id, reason string) (*domain.Tenant, error) {
	status := string(domain.TenantSuspended)
	tenant, err := s.PatchTenant(actor, id, TenantPatch{Status: &status})
	if err != nil {
		return nil, err
	}

	profiles, err := s.profiles.ListByTenant(id)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant profiles: %w", err)
	}

	disconnected := 0
	for _, p := range profiles {
		if !s.pool.IsLive(p.ID) {
			continue
		}
		if err := s.pool.Disconnect(ctx, p.ID, "tenant suspended"); err != nil {
			s.log.Warn().Err(err).Str("profile_id", p.ID).Msg("Failed to disconnect suspended tenant's profile")
			continue
		}
		disconnected++
	}

	s.raiseAlert(domain.Alert{
		TenantID: id,
		Kind:     "tenant_suspended",
		Severity: domain.AlertWarning,
		Message:  fmt.Sprintf("Tenant %s suspended by %s", tenant.Name, actor),
		Details: map[string]interface{}{
			"reason":                reason,
			"profiles_disconnected": disconnected,
		},
	})

	s.log.Warn().
		Str("tenant_id", id).
		Str("actor", actor).
		Int("disconnected", disconnected).
		Msg("Tenant suspended")
	return tenant, nil
}

// ProfilePatch carries the mutable profile fields
type ProfilePatch struct {
	Name           *string `json:"name"`
	Timezone       *string `json:"timezone"`
	Status         *string `json:"status"`
	TradingEnabled *bool   `json:"trading_enabled"`
}

// PatchProfile applies a partial update to a profile
func (s *Service) PatchProfile(actor, id string, patch ProfilePatch) (*domain.Profile, error) {
	if err := s.Authorise(actor, "profile_patch", id); err != nil {
		return nil, err
	}

	profile, err := s.profiles.GetByID(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return nil, ErrProfileNotFound
	}

	if patch.Name != nil {
		profile.Name = *patch.Name
	}
	if patch.Timezone != nil {
		profile.Timezone = *patch.Timezone
	}
	if patch.Status != nil {
		profile.Status = domain.ProfileStatus(*patch.Status)
	}
	if patch.TradingEnabled != nil {
		profile.TradingEnabled = *patch.TradingEnabled
	}
	profile.UpdatedAt = s.clk.Now()

	if err := s.profiles.Update(*profile); err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	s.log.Info().
		Str("profile_id", id).
		Str("actor", actor).
		Msg("Profile updated")
	return profile, nil
}

// ForceDisconnect drops a profile's broker session
func (s *Service) ForceDisconnect(ctx context.Context, actor, profileID, reason string) error {
	if err := s.Authorise(actor, "profile_disconnect", profileID); err != nil {
		return err
	}
	if reason == "" {
		reason = "disconnected by admin"
	}
	if err := s.pool.Disconnect(ctx, profileID, reason); err != nil {
		return fmt.Errorf("failed to disconnect profile: %w", err)
	}

	s.log.Info().
		Str("profile_id", profileID).
		Str("actor", actor).
		Str("reason", reason).
		Msg("Profile force-disconnected")
	return nil
}

// AcknowledgeAlerts marks a batch of alerts acknowledged by the actor
func (s *Service) AcknowledgeAlerts(actor string, ids []string) (int, error) {
	if err := s.Authorise(actor, "alert_ack", ""); err != nil {
		return 0, err
	}
	return s.alerts.AcknowledgeBatch(ids, actor, s.clk.Now())
}

// CreateAlert stores an operator-raised alert and publishes it to the hub
func (s *Service) CreateAlert(actor string, a domain.Alert) (*domain.Alert, error) {
	if err := s.Authorise(actor, "alert_create", ""); err != nil {
		return nil, err
	}
	if a.Message == "" {
		return nil, errors.New("alert message is required")
	}
	if a.Severity == "" {
		a.Severity = domain.AlertInfo
	}
	if a.Kind == "" {
		a.Kind = "manual"
	}
	a.ID = s.ids.Prefixed("alt")
	a.Source = "admin:" + actor
	a.CreatedAt = s.clk.Now()

	if err := s.alerts.Create(a); err != nil {
		return nil, err
	}

	s.hub.Publish(events.New(events.RiskAlert, a.ProfileID, a.CreatedAt, map[string]interface{}{
		"alert_id": a.ID,
		"severity": string(a.Severity),
		"kind":     a.Kind,
		"message":  a.Message,
	}))
	return &a, nil
}

// Broadcast pushes a system message to every hub subscriber and stores it
// as an alert so disconnected operators still see it
func (s *Service) Broadcast(actor, message string, severity domain.AlertSeverity) (*domain.Alert, error) {
	if err := s.Authorise(actor, "broadcast", ""); err != nil {
		return nil, err
	}
	if message == "" {
		return nil, errors.New("broadcast message is required")
	}
	if severity == "" {
		severity = domain.AlertInfo
	}

	now := s.clk.Now()
	a := domain.Alert{
		ID:        s.ids.Prefixed("alt"),
		Kind:      "broadcast",
		Source:    "admin:" + actor,
		Severity:  severity,
		Message:   message,
		CreatedAt: now,
	}
	if err := s.alerts.Create(a); err != nil {
		return nil, err
	}

	s.hub.Broadcast(events.New(events.SystemMessage, "", now, map[string]interface{}{
		"message":  message,
		"severity": string(severity),
		"from":     actor,
	}))

	s.log.Info().
		Str("actor", actor).
		Str("severity", string(severity)).
		Msg("System message broadcast")
	return &a, nil
}

// raiseAlert stores an internally-raised alert, logging on failure
func (s *Service) raiseAlert(a domain.Alert) {
	a.ID = s.ids.Prefixed("alt")
	a.Source = "admin"
	a.CreatedAt = s.clk.Now()
	if err := s.alerts.Create(a); err != nil {
		s.log.Error().Err(err).Str("kind", a.Kind).Msg("Failed to store alert")
	}
}
