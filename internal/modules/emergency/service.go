// Package emergency implements the controls that halt trading faster than
// any single gate check: the per-profile kill switch, the drawdown
// controller, and the panic hedge with its market trigger monitor. The
// controls raise PanicState and flip the stored trading flag; the signal
// gate's panic check is the single path through which they reject new
// signals, and they never touch a sealed decision.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/config"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/modules/compliance"
	"github.com/rs/zerolog"
)

// maxTriggerHistory bounds the in-memory trigger record ring
const maxTriggerHistory = 200

// Emergency control errors. Handlers map the conflict family onto HTTP 409.
var (
	ErrProfileNotFound        = errors.New("profile not found")
	ErrTradingAlreadyDisabled = errors.New("trading already disabled")
	ErrTradingAlreadyEnabled  = errors.New("trading already enabled")
	ErrPanicActive            = errors.New("panic state already active")
	ErrPanicNotActive         = errors.New("no active panic state")
	ErrCooldownActive         = errors.New("panic cooldown still running")
	ErrDrawdownNotRecovered   = errors.New("drawdown has not recovered")
)

// ProfileStoreInterface supplies profile state and the trading flag mutation
type ProfileStoreInterface interface {
	GetByID(id string) (*domain.Profile, error)
	ListActive() ([]domain.Profile, error)
	SetTradingEnabled(id string, enabled bool, now time.Time) error
}

// SessionProviderInterface hands out the live broker client for a profile
type SessionProviderInterface interface {
	Client(profileID string) (domain.BrokerClient, error)
}

// AlertSinkInterface stores operator alerts raised by the controls
type AlertSinkInterface interface {
	Create(a domain.Alert) error
}

// ServiceDeps contains all dependencies for the emergency service
type ServiceDeps struct {
	Profiles ProfileStoreInterface
	Sessions SessionProviderInterface
	Alerts   AlertSinkInterface
	Events   *compliance.EventRepository
	Chains   *compliance.ChainRepository
	Tracker  *compliance.Tracker
	Hub      *events.Hub
	Cfg      config.EmergencyConfig
	Clock    clock.Clock
	IDs      clock.Minter
	Log      zerolog.Logger
}

// TriggerRecord is one entry in the bounded trigger history
type TriggerRecord struct {
	At        time.Time              `json:"at"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	ProfileID string                 `json:"profile_id"`
	Trigger   domain.PanicTrigger    `json:"trigger"`
	Reason    string                 `json:"reason"`
}

// KillSwitchResult reports what the kill switch did
type KillSwitchResult struct {
	ActivatedAt     time.Time `json:"activated_at"`
	ProfileID       string    `json:"profile_id"`
	ChainID         string    `json:"chain_id"`
	Reason          string    `json:"reason"`
	ClosedPositions int       `json:"closed_positions"`
}

// Stats summarizes the emergency plane for the admin surface
type Stats struct {
	ActivePanics    []domain.PanicState `json:"active_panics"`
	TotalTriggers   int                 `json:"total_triggers"`
	BooksTracked    int                 `json:"books_tracked"`
	AccountsTracked int                 `json:"accounts_tracked"`
}

// Service owns the per-profile panic registry and the kill switch flows. The
// monitor and the drawdown controller feed it; the signal gate reads it.
type Service struct {
	profiles ProfileStoreInterface
	sessions SessionProviderInterface
	alerts   AlertSinkInterface
	events   *compliance.EventRepository
	chains   *compliance.ChainRepository
	tracker  *compliance.Tracker
	hub      *events.Hub
	cfg      config.EmergencyConfig
	clk      clock.Clock
	ids      clock.Minter
	log      zerolog.Logger
	monitor  *Monitor
	drawdown *DrawdownController

	panics   map[string]*domain.PanicState
	history  []TriggerRecord
	triggers int
	mu       sync.Mutex
}

// NewService creates the emergency service with its monitor and drawdown
// controller attached
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		profiles: deps.Profiles,
		sessions: deps.Sessions,
		alerts:   deps.Alerts,
		events:   deps.Events,
		chains:   deps.Chains,
		tracker:  deps.Tracker,
		hub:      deps.Hub,
		cfg:      deps.Cfg,
		clk:      deps.Clock,
		ids:      deps.IDs,
		log:      deps.Log.With().Str("component", "emergency").Logger(),
		panics:   make(map[string]*domain.PanicState),
	}
	s.monitor = newMonitor(s, deps.Cfg, deps.Clock, s.log)
	s.drawdown = newDrawdownController(s, deps.Cfg, s.log)
	return s
}

// Monitor returns the market trigger monitor fed by price and bar streams
func (s *Service) Monitor() *Monitor {
	return s.monitor
}

// Drawdown returns the drawdown controller fed by account updates
func (s *Service) Drawdown() *DrawdownController {
	return s.drawdown
}

// ActivateKillSwitch disables trading for a profile, flattens its open
// positions, and records the action. The trading flag write is the
// load-bearing step; a broken audit store never keeps the switch from
// engaging.
func (s *Service) ActivateKillSwitch(ctx context.Context, profileID, reason, by string) (*KillSwitchResult, error) {
	profile, err := s.profiles.GetByID(profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, profileID)
	}
	if !profile.TradingEnabled {
		return nil, fmt.Errorf("%w: %s", ErrTradingAlreadyDisabled, profileID)
	}
	if reason == "" {
		reason = "manual kill switch"
	}

	now := s.clk.Now()
	if err := s.profiles.SetTradingEnabled(profileID, false, now); err != nil {
		return nil, fmt.Errorf("failed to disable trading: %w", err)
	}

	ctxID := s.ids.Prefixed("kill")
	s.tracker.StartChain(ctxID, profileID, compliance.KillSwitch, compliance.SourceAdminUser,
		map[string]interface{}{"reason": reason, "requested_by": by},
		"Kill switch engaged: trading disabled", 1.0)

	closed, failed := s.flatten(ctx, profileID, "kill switch: "+reason)
	s.tracker.AddDecision(ctxID, compliance.PositionClosed, compliance.SourceSystemAuto,
		map[string]interface{}{"action": "close_all"},
		map[string]interface{}{"closed_positions": closed, "failed_closes": failed},
		flushRationale(closed, failed), 1.0)
	chainID := s.sealChain(ctxID)

	payload := map[string]interface{}{
		"reason":           reason,
		"requested_by":     by,
		"closed_positions": closed,
		"chain_id":         chainID,
	}
	s.recordEvent(profileID, events.KillSwitchActivated, domain.AlertCritical, payload)
	s.raiseAlert(profile, "kill_switch", domain.AlertCritical,
		fmt.Sprintf("Kill switch engaged for profile %s: %s", profileID, reason), payload)
	s.publish(events.KillSwitchActivated, profileID, payload)

	s.log.Warn().
		Str("profile_id", profileID).
		Str("reason", reason).
		Str("requested_by", by).
		Int("closed_positions", closed).
		Msg("Kill switch engaged")

	return &KillSwitchResult{
		ActivatedAt:     now,
		ProfileID:       profileID,
		ChainID:         chainID,
		Reason:          reason,
		ClosedPositions: closed,
	}, nil
}

// ReleaseKillSwitch re-enables trading for a profile. Distinct from
// activation so the audit trail names who turned trading back on.
func (s *Service) ReleaseKillSwitch(profileID, by string) error {
	profile, err := s.profiles.GetByID(profileID)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, profileID)
	}
	if profile.TradingEnabled {
		return fmt.Errorf("%w: %s", ErrTradingAlreadyEnabled, profileID)
	}

	if err := s.profiles.SetTradingEnabled(profileID, true, s.clk.Now()); err != nil {
		return fmt.Errorf("failed to re-enable trading: %w", err)
	}

	ctxID := s.ids.Prefixed("kill")
	s.tracker.StartChain(ctxID, profileID, compliance.ManualIntervention, compliance.SourceAdminUser,
		map[string]interface{}{"action": "kill_switch_release", "requested_by": by},
		"Kill switch released: trading re-enabled", 1.0)
	chainID := s.sealChain(ctxID)

	payload := map[string]interface{}{
		"requested_by": by,
		"chain_id":     chainID,
	}
	s.recordEvent(profileID, events.KillSwitchReleased, domain.AlertWarning, payload)
	s.raiseAlert(profile, "kill_switch", domain.AlertWarning,
		fmt.Sprintf("Kill switch released for profile %s", profileID), payload)
	s.publish(events.KillSwitchReleased, profileID, payload)

	s.log.Warn().
		Str("profile_id", profileID).
		Str("requested_by", by).
		Msg("Kill switch released")
	return nil
}

// TriggerManual raises a manual panic for one profile and flattens its
// positions
func (s *Service) TriggerManual(ctx context.Context, profileID, reason, by string) (*domain.PanicState, error) {
	if reason == "" {
		reason = "manual intervention"
	}
	return s.activate(ctx, activation{
		profileID: profileID,
		trigger:   domain.TriggerManual,
		source:    compliance.SourceAdminUser,
		reason:    reason,
		detail:    map[string]interface{}{"manual": true, "requested_by": by},
		flatten:   true,
		event:     events.PanicTriggered,
	})
}

// ActivateAll raises a manual panic on every active profile. This is the
// process-wide halt: one admin action, one panic state per profile.
// Profiles already halted are left as they are.
func (s *Service) ActivateAll(ctx context.Context, reason, by string) (int, error) {
	list, err := s.profiles.ListActive()
	if err != nil {
		return 0, fmt.Errorf("failed to list profiles: %w", err)
	}

	activated := 0
	for i := range list {
		_, err := s.TriggerManual(ctx, list[i].ID, reason, by)
		if err != nil {
			if !errors.Is(err, ErrPanicActive) {
				s.log.Error().Err(err).
					Str("profile_id", list[i].ID).
					Msg("Broadcast panic failed for profile")
			}
			continue
		}
		activated++
	}

	s.log.Warn().
		Int("profiles", activated).
		Str("requested_by", by).
		Msg("Broadcast panic raised")
	return activated, nil
}

// Reset clears a profile's panic state. Admin only. Without force the reset
// is refused while the cooldown runs, and a drawdown panic additionally
// requires the drawdown to have recovered past the buffer. A forced reset of
// a drawdown panic re-anchors the peak so the controller does not re-latch
// on the next account sample.
func (s *Service) Reset(profileID, by string, force bool) error {
	s.mu.Lock()
	st, ok := s.panics[profileID]
	if !ok || !st.Active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPanicNotActive, profileID)
	}
	trigger := st.Trigger
	cooldownUntil := st.CooldownUntil
	s.mu.Unlock()

	if !force {
		if s.clk.Now().Before(cooldownUntil) {
			return fmt.Errorf("%w until %s", ErrCooldownActive,
				cooldownUntil.UTC().Format(time.RFC3339))
		}
		if trigger == domain.TriggerDrawdown && !s.drawdown.Recovered(profileID) {
			return fmt.Errorf("%w: profile %s", ErrDrawdownNotRecovered, profileID)
		}
	}

	s.mu.Lock()
	delete(s.panics, profileID)
	s.mu.Unlock()

	if force && trigger == domain.TriggerDrawdown {
		s.drawdown.ResetPeak(profileID)
	}

	ctxID := s.ids.Prefixed("reset")
	s.tracker.StartChain(ctxID, profileID, compliance.ManualIntervention, compliance.SourceAdminUser,
		map[string]interface{}{
			"action":       "panic_reset",
			"trigger":      string(trigger),
			"requested_by": by,
			"forced":       force,
		},
		"Panic state reset", 1.0)
	chainID := s.sealChain(ctxID)

	payload := map[string]interface{}{
		"trigger":      string(trigger),
		"requested_by": by,
		"forced":       force,
		"chain_id":     chainID,
	}
	s.recordEvent(profileID, events.PanicReset, domain.AlertWarning, payload)
	if profile, err := s.profiles.GetByID(profileID); err == nil && profile != nil {
		s.raiseAlert(profile, "panic_hedge", domain.AlertInfo,
			fmt.Sprintf("Panic state reset for profile %s", profileID), payload)
	}
	s.publish(events.PanicReset, profileID, payload)

	s.log.Info().
		Str("profile_id", profileID).
		Str("trigger", string(trigger)).
		Str("requested_by", by).
		Bool("forced", force).
		Msg("Panic state reset")
	return nil
}

// PanicFor returns a copy of the active panic state for a profile, or nil.
// The signal gate consults this on every submission.
func (s *Service) PanicFor(profileID string) *domain.PanicState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.panics[profileID]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// ActivePanics returns every active panic state, ordered by profile
func (s *Service) ActivePanics() []domain.PanicState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.PanicState, 0, len(s.panics))
	for _, st := range s.panics {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// History returns recent trigger records newest first. An empty profileID
// spans all profiles.
func (s *Service) History(profileID string, limit int) []TriggerRecord {
	if limit <= 0 || limit > maxTriggerHistory {
		limit = maxTriggerHistory
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TriggerRecord, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if profileID != "" && s.history[i].ProfileID != profileID {
			continue
		}
		out = append(out, s.history[i])
	}
	return out
}

// DrawdownStatus returns the drawdown controller's view of one profile
func (s *Service) DrawdownStatus(profileID string) *DrawdownStatus {
	return s.drawdown.StatusFor(profileID)
}

// GetStats returns the emergency plane summary
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	total := s.triggers
	s.mu.Unlock()

	return Stats{
		ActivePanics:    s.ActivePanics(),
		TotalTriggers:   total,
		BooksTracked:    s.monitor.BookCount(),
		AccountsTracked: s.drawdown.AccountCount(),
	}
}

// activation describes one panic raise request
type activation struct {
	profileID string
	trigger   domain.PanicTrigger
	source    compliance.DecisionSource
	reason    string
	detail    map[string]interface{}
	flatten   bool
	event     events.EventType
}

// activate raises the panic state for a profile, optionally flattening its
// positions, and records the action. The state is raised before the broker
// round trip so the gate starts failing immediately.
func (s *Service) activate(ctx context.Context, act activation) (*domain.PanicState, error) {
	profile, err := s.profiles.GetByID(act.profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, act.profileID)
	}

	now := s.clk.Now()
	state := &domain.PanicState{
		TriggeredAt:   now,
		CooldownUntil: now.Add(s.cfg.PanicCooldown),
		ProfileID:     act.profileID,
		Trigger:       act.trigger,
		Reason:        act.reason,
		Active:        true,
	}

	s.mu.Lock()
	if existing, ok := s.panics[act.profileID]; ok && existing.Active {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s since %s", ErrPanicActive, existing.Trigger,
			existing.TriggeredAt.UTC().Format(time.RFC3339))
	}
	s.panics[act.profileID] = state
	s.triggers++
	s.history = append(s.history, TriggerRecord{
		At:        now,
		ProfileID: act.profileID,
		Trigger:   act.trigger,
		Reason:    act.reason,
		Detail:    act.detail,
	})
	if len(s.history) > maxTriggerHistory {
		s.history = s.history[len(s.history)-maxTriggerHistory:]
	}
	s.mu.Unlock()

	input := map[string]interface{}{"trigger": string(act.trigger)}
	for k, v := range act.detail {
		input[k] = v
	}
	ctxID := s.ids.Prefixed("panic")
	s.tracker.StartChain(ctxID, act.profileID, compliance.PanicHedge, act.source,
		input, act.reason, 1.0)

	closed := 0
	if act.flatten {
		var failed int
		closed, failed = s.flatten(ctx, act.profileID, "panic hedge: "+act.reason)
		s.tracker.AddDecision(ctxID, compliance.PositionClosed, compliance.SourceSystemAuto,
			map[string]interface{}{"action": "close_all"},
			map[string]interface{}{"closed_positions": closed, "failed_closes": failed},
			flushRationale(closed, failed), 1.0)
		s.mu.Lock()
		state.ClosedPositions = closed
		s.mu.Unlock()
	}
	chainID := s.sealChain(ctxID)

	payload := make(map[string]interface{}, len(act.detail)+5)
	for k, v := range act.detail {
		payload[k] = v
	}
	payload["trigger"] = string(act.trigger)
	payload["reason"] = act.reason
	payload["closed_positions"] = closed
	payload["cooldown_until"] = state.CooldownUntil.UTC().Format(time.RFC3339Nano)
	payload["chain_id"] = chainID

	kind := "panic_hedge"
	message := fmt.Sprintf("Panic hedge triggered for profile %s: %s", act.profileID, act.reason)
	if act.event == events.DrawdownHalt {
		kind = "drawdown_halt"
		message = fmt.Sprintf("Drawdown halt for profile %s: %s", act.profileID, act.reason)
	}
	s.recordEvent(act.profileID, act.event, domain.AlertCritical, payload)
	s.raiseAlert(profile, kind, domain.AlertCritical, message, payload)
	s.publish(act.event, act.profileID, payload)

	s.log.Error().
		Str("profile_id", act.profileID).
		Str("trigger", string(act.trigger)).
		Str("reason", act.reason).
		Int("closed_positions", closed).
		Time("cooldown_until", state.CooldownUntil).
		Msg("Panic state raised")

	s.mu.Lock()
	cp := *state
	s.mu.Unlock()
	return &cp, nil
}

// suppressed reports whether trigger evaluation is paused for a profile. An
// active panic, or its cooldown, swallows further triggers.
func (s *Service) suppressed(profileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.panics[profileID]
	if !ok {
		return false
	}
	return st.Active || s.clk.Now().Before(st.CooldownUntil)
}

// flatten closes every open position through the profile's live broker
// session. A missing or dead session is not an error; the control still
// engages and the reconciler picks up any stragglers later.
func (s *Service) flatten(ctx context.Context, profileID, reason string) (closed, failed int) {
	client, err := s.sessions.Client(profileID)
	if err != nil {
		s.log.Info().Str("profile_id", profileID).Msg("No live session to flush")
		return 0, 0
	}

	results, err := client.CloseAll(ctx, reason)
	if err != nil {
		s.log.Error().Err(err).Str("profile_id", profileID).Msg("Close-all flush failed")
	}
	for _, res := range results {
		if res.Closed {
			closed++
		} else {
			failed++
		}
	}
	return closed, failed
}

// sealChain completes and persists an emergency provenance chain, returning
// its chain id
func (s *Service) sealChain(contextID string) string {
	chain := s.tracker.CompleteChain(contextID, "executed")
	if chain == nil {
		return ""
	}
	if err := s.chains.Save(chain, s.clk.Now()); err != nil {
		s.log.Error().Err(err).
			Str("chain_id", chain.ChainID).
			Msg("Failed to persist emergency chain")
	}
	return chain.ChainID
}

func (s *Service) recordEvent(profileID string, eventType events.EventType, severity domain.AlertSeverity, payload map[string]interface{}) {
	e := domain.SystemEvent{
		CreatedAt: s.clk.Now(),
		Payload:   payload,
		ID:        s.ids.Prefixed("evt"),
		EventType: string(eventType),
		ProfileID: profileID,
		Severity:  severity,
	}
	if err := s.events.Record(e); err != nil {
		s.log.Error().Err(err).
			Str("event_type", string(eventType)).
			Msg("Failed to record emergency event")
	}
}

func (s *Service) raiseAlert(profile *domain.Profile, kind string, severity domain.AlertSeverity, message string, details map[string]interface{}) {
	alert := domain.Alert{
		CreatedAt: s.clk.Now(),
		Details:   details,
		ID:        s.ids.Prefixed("alert"),
		ProfileID: profile.ID,
		TenantID:  profile.TenantID,
		Kind:      kind,
		Source:    "emergency",
		Message:   message,
		Severity:  severity,
	}
	if err := s.alerts.Create(alert); err != nil {
		s.log.Error().Err(err).Str("kind", kind).Msg("Failed to create alert")
	}
}

func (s *Service) publish(eventType events.EventType, profileID string, payload map[string]interface{}) {
	s.hub.Publish(events.New(eventType, profileID, s.clk.Now(), payload))
}

func flushRationale(closed, failed int) string {
	if closed == 0 && failed == 0 {
		return "No open positions to flush"
	}
	return fmt.Sprintf("Flushed %d open positions (%d failed)", closed, failed)
}
