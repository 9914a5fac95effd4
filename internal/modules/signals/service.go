// Package signals implements the signal gate: the ingress pipeline that
// validates, rate-limits, gates, and seals every inbound trading signal into
// an immutable decision with its provenance chain. Submissions for one
// profile are serialised; replays inside the idempotency window return the
// original decision with zero side effects.
package signals

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/database"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/modules/compliance"
	"github.com/rs/zerolog"
)

// MaxBatchSize caps one batch submission
const MaxBatchSize = 10

// Idempotency key length bounds
const (
	MinIdempotencyKeyLen = 8
	MaxIdempotencyKeyLen = 64
)

var (
	// ErrInvalidSignal marks malformed submissions (HTTP 400)
	ErrInvalidSignal = errors.New("invalid signal")
	// ErrUnknownProfile marks submissions for a profile that does not exist (HTTP 404)
	ErrUnknownProfile = errors.New("unknown profile")
	// ErrStoreFailed marks persistence faults. The submission had no side
	// effects and may be retried with the same idempotency key (HTTP 503).
	ErrStoreFailed = errors.New("decision persistence failed")
)

// ProfileReaderInterface supplies profile state to the pipeline
type ProfileReaderInterface interface {
	GetByID(id string) (*domain.Profile, error)
}

// PositionCounterInterface supplies the open position count per profile
type PositionCounterInterface interface {
	CountOpenByProfile(profileID string) (int, error)
}

// SnapshotReaderInterface supplies the latest synced account snapshot
type SnapshotReaderInterface interface {
	Latest(profileID string) (*domain.AccountSnapshot, error)
}

// PanicReaderInterface supplies the emergency halt state per profile
type PanicReaderInterface interface {
	PanicFor(profileID string) *domain.PanicState
}

// ConnectionCheckerInterface reports broker session liveness
type ConnectionCheckerInterface interface {
	IsLive(profileID string) bool
}

// ServiceDeps contains all dependencies for the signal gate service
type ServiceDeps struct {
	AuditDB     *sql.DB
	Decisions   *Repository
	Chains      *compliance.ChainRepository
	Tracker     *compliance.Tracker
	Gates       *GateRegistry
	Limiter     *RateLimiter
	Idempotency *IdempotencyCache
	Profiles    ProfileReaderInterface
	Positions   PositionCounterInterface
	Snapshots   SnapshotReaderInterface
	Panic       PanicReaderInterface
	Connections ConnectionCheckerInterface
	Hub         *events.Hub
	Clock       clock.Clock
	IDs         clock.Minter
	Log         zerolog.Logger

	// DefaultLocation is the civil-day timezone for profiles that do not set
	// their own. The daily cap counts per civil day in the resolved location.
	DefaultLocation *time.Location
}

// Service is the signal gate
type Service struct {
	auditDB    *sql.DB
	decisions  *Repository
	chains     *compliance.ChainRepository
	tracker    *compliance.Tracker
	gates      *GateRegistry
	limiter    *RateLimiter
	idem       *IdempotencyCache
	profiles   ProfileReaderInterface
	positions  PositionCounterInterface
	snapshots  SnapshotReaderInterface
	panics     PanicReaderInterface
	conns      ConnectionCheckerInterface
	hub        *events.Hub
	clk        clock.Clock
	ids        clock.Minter
	log        zerolog.Logger
	defaultLoc *time.Location

	// leases serialise submissions per profile
	leases map[string]*sync.Mutex
	mu     sync.Mutex
}

// NewService creates the signal gate service
func NewService(deps ServiceDeps) *Service {
	loc := deps.DefaultLocation
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		auditDB:    deps.AuditDB,
		decisions:  deps.Decisions,
		chains:     deps.Chains,
		tracker:    deps.Tracker,
		gates:      deps.Gates,
		limiter:    deps.Limiter,
		idem:       deps.Idempotency,
		profiles:   deps.Profiles,
		positions:  deps.Positions,
		snapshots:  deps.Snapshots,
		panics:     deps.Panic,
		conns:      deps.Connections,
		hub:        deps.Hub,
		clk:        deps.Clock,
		ids:        deps.IDs,
		log:        deps.Log.With().Str("component", "signal_gate").Logger(),
		defaultLoc: loc,
		leases:     make(map[string]*sync.Mutex),
	}
}

// Submit runs one signal through the full pipeline and returns the sealed
// decision. A replay of a previously decided idempotency key returns the
// original decision without consuming rate budget or touching storage.
func (s *Service) Submit(sig domain.Signal) (*domain.Decision, error) {
	if err := normalize(&sig); err != nil {
		return nil, err
	}

	lease := s.leaseFor(sig.ProfileID)
	lease.Lock()
	defer lease.Unlock()

	start := s.clk.Now()

	if cached, ok := s.idem.Get(sig.ProfileID, sig.IdempotencyKey); ok {
		s.log.Debug().
			Str("profile_id", sig.ProfileID).
			Str("idempotency_key", sig.IdempotencyKey).
			Str("decision_id", cached.ID).
			Msg("Idempotent replay served from cache")
		return cached, nil
	}

	profile, err := s.profiles.GetByID(sig.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, sig.ProfileID)
	}

	sig.ID = s.ids.Prefixed("sig")
	sig.ReceivedAt = start

	// Stale before any gate ran: decide expired without consuming anything
	if sig.Expired(start) {
		return s.sealExpired(sig, start)
	}

	if !s.limiter.Allow(sig.ProfileID, sig.Priority) {
		return s.sealRateLimited(sig, start)
	}

	in, err := s.collectGateInput(profile, sig, start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	results := s.gates.Evaluate(in)
	return s.sealGated(sig, results, start)
}

// BatchResult is the outcome of one signal inside a batch submission
type BatchResult struct {
	Decision *domain.Decision `json:"decision,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// SubmitBatch processes up to MaxBatchSize signals independently, in order.
// One failing signal never blocks the others.
func (s *Service) SubmitBatch(sigs []domain.Signal) ([]BatchResult, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidSignal)
	}
	if len(sigs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit of %d", ErrInvalidSignal, len(sigs), MaxBatchSize)
	}

	results := make([]BatchResult, len(sigs))
	for i, sig := range sigs {
		d, err := s.Submit(sig)
		if err != nil {
			results[i] = BatchResult{Error: err.Error()}
			continue
		}
		results[i] = BatchResult{Decision: d}
	}
	return results, nil
}

// sealExpired writes the expired decision for a signal that arrived after its
// validity window. No gates run and no rate budget is consumed, but the
// outcome is definitive and replayable.
func (s *Service) sealExpired(sig domain.Signal, start time.Time) (*domain.Decision, error) {
	reason := "signal validity window passed before submission"

	s.tracker.StartChain(sig.ID, sig.ProfileID, compliance.SignalRejected, signalSource(sig.Source),
		map[string]interface{}{
			"symbol":      sig.Symbol,
			"direction":   string(sig.Direction),
			"valid_until": sig.ValidUntil.UTC().Format(time.RFC3339Nano),
		}, reason, sig.Confidence)
	chain := s.tracker.CompleteChain(sig.ID, "rejected")

	d := s.assemble(sig, domain.StatusExpired, reason, nil, chain.ChainID, start)
	if err := s.persist(d, chain); err != nil {
		return nil, err
	}
	s.cacheAndAnnounce(d, events.SignalExpired, map[string]interface{}{
		"signal_id":   sig.ID,
		"decision_id": d.ID,
		"symbol":      sig.Symbol,
		"reason":      reason,
	})
	return d, nil
}

// sealRateLimited writes the rejected decision for a signal that exhausted
// the per-minute window. The rejection is cached for replay but does not
// tick the window.
func (s *Service) sealRateLimited(sig domain.Signal, start time.Time) (*domain.Decision, error) {
	status := s.limiter.GetStatus(sig.ProfileID)

	s.tracker.StartChain(sig.ID, sig.ProfileID, compliance.SignalValidated, signalSource(sig.Source),
		map[string]interface{}{
			"symbol":    sig.Symbol,
			"direction": string(sig.Direction),
			"priority":  string(sig.Priority),
		}, "Signal received and validated", sig.Confidence)
	s.tracker.AddDecision(sig.ID, compliance.RiskRejected, compliance.SourceSignalGate,
		map[string]interface{}{
			"window_cap":     status.Cap,
			"window_current": status.Current,
		},
		map[string]interface{}{"decision": "rejected"},
		"Rate limit exceeded", 1.0)
	chain := s.tracker.CompleteChain(sig.ID, "rejected")

	d := s.assemble(sig, domain.StatusRejected, "rate_limit", nil, chain.ChainID, start)
	if err := s.persist(d, chain); err != nil {
		return nil, err
	}
	s.cacheAndAnnounce(d, events.SignalRejected, map[string]interface{}{
		"signal_id":   sig.ID,
		"decision_id": d.ID,
		"symbol":      sig.Symbol,
		"reason":      "rate_limit",
		"reset_at":    status.ResetAt.UTC().Format(time.RFC3339Nano),
	})
	return d, nil
}

// sealGated writes the decision for a fully evaluated signal and ticks the
// rate window
func (s *Service) sealGated(sig domain.Signal, results []domain.GateResult, start time.Time) (*domain.Decision, error) {
	s.tracker.StartChain(sig.ID, sig.ProfileID, compliance.SignalValidated, signalSource(sig.Source),
		map[string]interface{}{
			"symbol":     sig.Symbol,
			"direction":  string(sig.Direction),
			"confidence": sig.Confidence,
			"priority":   string(sig.Priority),
		}, "Signal received and validated", sig.Confidence)

	for _, res := range results {
		nodeType := compliance.GatePassed
		rationale := fmt.Sprintf("%s check passed", res.Name)
		if !res.Passed {
			nodeType = compliance.GateBlocked
			rationale = res.Reason
		}
		output := map[string]interface{}{"passed": res.Passed}
		for k, v := range res.Detail {
			output[k] = v
		}
		s.tracker.AddDecision(sig.ID, nodeType, compliance.SourceSignalGate,
			map[string]interface{}{"gate": res.Name}, output, rationale, 1.0)
	}

	approved := Passed(results)
	var d *domain.Decision
	if approved {
		s.tracker.AddDecision(sig.ID, compliance.RiskApproved, compliance.SourceSignalGate,
			nil, map[string]interface{}{"decision": "approved"}, "All gate checks passed", 1.0)
		chain := s.tracker.CompleteChain(sig.ID, "executed")
		d = s.assemble(sig, domain.StatusApproved, "All gate checks passed", results, chain.ChainID, start)
		if err := s.persist(d, chain); err != nil {
			return nil, err
		}
	} else {
		reason := rejectionReason(results)
		s.tracker.AddDecision(sig.ID, compliance.RiskRejected, compliance.SourceSignalGate,
			nil, map[string]interface{}{"decision": "rejected"}, reason, 1.0)
		chain := s.tracker.CompleteChain(sig.ID, "rejected")
		d = s.assemble(sig, domain.StatusRejected, reason, results, chain.ChainID, start)
		if err := s.persist(d, chain); err != nil {
			return nil, err
		}
	}

	s.limiter.Tick(sig.ProfileID)

	if approved {
		s.cacheAndAnnounce(d, events.SignalApproved, map[string]interface{}{
			"signal_id":     sig.ID,
			"decision_id":   d.ID,
			"symbol":        sig.Symbol,
			"direction":     string(sig.Direction),
			"confidence":    sig.Confidence,
			"decision_hash": d.DecisionHash,
		})
	} else {
		s.cacheAndAnnounce(d, events.SignalRejected, map[string]interface{}{
			"signal_id":    sig.ID,
			"decision_id":  d.ID,
			"symbol":       sig.Symbol,
			"reason":       d.Reason,
			"failed_gates": d.FailedGates(),
		})
	}

	s.log.Info().
		Str("profile_id", sig.ProfileID).
		Str("signal_id", sig.ID).
		Str("status", string(d.Status)).
		Int64("processing_ms", d.ProcessingMS).
		Msg("Decision sealed")
	return d, nil
}

// collectGateInput gathers the state snapshot gates evaluate against. Reads
// happen under the profile lease so the view stays consistent.
func (s *Service) collectGateInput(profile *domain.Profile, sig domain.Signal, now time.Time) (GateInput, error) {
	openCount, err := s.positions.CountOpenByProfile(sig.ProfileID)
	if err != nil {
		return GateInput{}, fmt.Errorf("failed to count open positions: %w", err)
	}

	snapshot, err := s.snapshots.Latest(sig.ProfileID)
	if err != nil {
		return GateInput{}, fmt.Errorf("failed to read account snapshot: %w", err)
	}

	dayStart, dayEnd := s.dailyWindow(profile, now)
	dailyCount, err := s.decisions.CountInRange(sig.ProfileID, dayStart, dayEnd)
	if err != nil {
		return GateInput{}, fmt.Errorf("failed to count daily decisions: %w", err)
	}

	in := GateInput{
		Now:            now,
		Location:       s.profileLocation(profile),
		Snapshot:       snapshot,
		Signal:         sig,
		Config:         profile.GateConfig,
		OpenPositions:  openCount,
		DailyCount:     dailyCount,
		Connected:      s.conns.IsLive(sig.ProfileID),
		TradingEnabled: profile.TradingEnabled,
	}
	if state := s.panics.PanicFor(sig.ProfileID); state != nil && state.Active {
		in.PanicActive = true
		in.PanicReason = string(state.Trigger)
	}
	return in, nil
}

// profileLocation resolves the timezone gates and the daily window use:
// the profile's own, falling back to the service default
func (s *Service) profileLocation(profile *domain.Profile) *time.Location {
	if profile.Timezone != "" {
		return profile.Location()
	}
	return s.defaultLoc
}

// dailyWindow returns the UTC bounds of the current civil day in the
// profile's timezone
func (s *Service) dailyWindow(profile *domain.Profile, now time.Time) (time.Time, time.Time) {
	loc := s.profileLocation(profile)
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return dayStart.UTC(), dayStart.AddDate(0, 0, 1).UTC()
}

// assemble builds the sealed decision value
func (s *Service) assemble(sig domain.Signal, status domain.DecisionStatus, reason string, results []domain.GateResult, chainID string, start time.Time) *domain.Decision {
	decidedAt := s.clk.Now()
	return &domain.Decision{
		ID:           s.ids.Prefixed("dec"),
		Signal:       sig,
		Status:       status,
		Reason:       reason,
		GateResults:  results,
		ChainID:      chainID,
		DecidedAt:    decidedAt,
		ProcessingMS: decidedAt.Sub(start).Milliseconds(),
		DecisionHash: decisionHash(sig, status, decidedAt),
	}
}

// persist writes the decision row and its chain in one transaction. On
// failure nothing is cached, so a retry reruns the pipeline cleanly.
func (s *Service) persist(d *domain.Decision, chain *compliance.Chain) error {
	err := database.WithTransaction(s.auditDB, func(tx *sql.Tx) error {
		if err := s.decisions.CreateTx(tx, d); err != nil {
			return err
		}
		return s.chains.SaveTx(tx, chain, d.DecidedAt)
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("signal_id", d.Signal.ID).
			Msg("Failed to persist decision")
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	return nil
}

// cacheAndAnnounce populates the idempotency cache and publishes the outcome.
// Both happen only after a successful persist; the publish is best effort.
func (s *Service) cacheAndAnnounce(d *domain.Decision, eventType events.EventType, payload map[string]interface{}) {
	if err := s.idem.Put(d.Signal.ProfileID, d.Signal.IdempotencyKey, d); err != nil {
		s.log.Warn().Err(err).
			Str("signal_id", d.Signal.ID).
			Msg("Failed to cache decision for replay")
	}
	s.hub.Publish(events.New(eventType, d.Signal.ProfileID, s.clk.Now(), payload))
}

// GetDecision retrieves one sealed decision. Returns nil when not found.
func (s *Service) GetDecision(id string) (*domain.Decision, error) {
	return s.decisions.GetByID(id)
}

// Recent returns the newest decisions for one profile
func (s *Service) Recent(profileID string, limit int) ([]domain.Decision, error) {
	return s.decisions.ListRecent(profileID, limit)
}

// RateLimit returns the live rate window state for one profile
func (s *Service) RateLimit(profileID string) RateLimitStatus {
	return s.limiter.GetStatus(profileID)
}

// SignalStats aggregates decision outcomes for one profile
type SignalStats struct {
	ByStatus     map[string]int  `json:"by_status"`
	RateLimit    RateLimitStatus `json:"rate_limit"`
	Total        int             `json:"total"`
	ApprovalRate float64         `json:"approval_rate"`
}

// Stats summarises one profile's decision history and live rate window
func (s *Service) Stats(profileID string) (*SignalStats, error) {
	counts, err := s.decisions.CountByStatus(profileID)
	if err != nil {
		return nil, err
	}

	stats := &SignalStats{
		ByStatus:  make(map[string]int, len(counts)),
		RateLimit: s.limiter.GetStatus(profileID),
	}
	approved := 0
	for status, n := range counts {
		stats.ByStatus[string(status)] = n
		stats.Total += n
		// Executed and failed decisions were approved before execution
		if status == domain.StatusApproved || status == domain.StatusExecuted || status == domain.StatusFailed {
			approved += n
		}
	}
	if stats.Total > 0 {
		stats.ApprovalRate = float64(approved) / float64(stats.Total)
	}
	return stats, nil
}

// ReportExecution records the downstream execution outcome of an approved
// decision
func (s *Service) ReportExecution(decisionID string, success bool, errMsg string) error {
	now := s.clk.Now()
	if success {
		return s.decisions.MarkExecuted(decisionID, now)
	}
	return s.decisions.MarkFailed(decisionID, errMsg, now)
}

// WarmFromStore reloads recent decisions into the idempotency cache so
// replay protection survives a restart
func (s *Service) WarmFromStore(ttl time.Duration) (int, error) {
	cutoff := s.clk.Now().Add(-ttl)
	rows, err := s.decisions.ListSince(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to warm idempotency cache: %w", err)
	}

	warmed := 0
	for i := range rows {
		d := rows[i]
		if d.Signal.IdempotencyKey == "" {
			continue
		}
		if err := s.idem.Put(d.Signal.ProfileID, d.Signal.IdempotencyKey, &d); err != nil {
			s.log.Warn().Err(err).Str("decision_id", d.ID).Msg("Skipped cache warm entry")
			continue
		}
		warmed++
	}

	s.log.Info().Int("entries", warmed).Msg("Idempotency cache warmed from store")
	return warmed, nil
}

// leaseFor returns the submission mutex for one profile
func (s *Service) leaseFor(profileID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[profileID]
	if !ok {
		lease = &sync.Mutex{}
		s.leases[profileID] = lease
	}
	return lease
}

// normalize validates a submission and applies source and priority defaults
func normalize(sig *domain.Signal) error {
	sig.IdempotencyKey = strings.TrimSpace(sig.IdempotencyKey)
	sig.Symbol = strings.TrimSpace(sig.Symbol)

	if sig.ProfileID == "" {
		return fmt.Errorf("%w: profile_id is required", ErrInvalidSignal)
	}
	if n := len(sig.IdempotencyKey); n < MinIdempotencyKeyLen || n > MaxIdempotencyKeyLen {
		return fmt.Errorf("%w: idempotency_key must be %d-%d characters",
			ErrInvalidSignal, MinIdempotencyKeyLen, MaxIdempotencyKeyLen)
	}
	if sig.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	}
	if !sig.Direction.Valid() {
		return fmt.Errorf("%w: direction must be buy, sell, or close", ErrInvalidSignal)
	}
	if sig.Source == "" {
		sig.Source = domain.SourceStrategy
	} else if !sig.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidSignal, sig.Source)
	}
	if sig.Priority == "" {
		sig.Priority = domain.PriorityNormal
	} else if !sig.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidSignal, sig.Priority)
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be within [0, 1]", ErrInvalidSignal)
	}
	return nil
}

// rejectionReason joins the failing gate reasons in chain order
func rejectionReason(results []domain.GateResult) string {
	var reasons []string
	for _, res := range results {
		if !res.Passed && res.Reason != "" {
			reasons = append(reasons, res.Reason)
		}
	}
	return strings.Join(reasons, "; ")
}

// decisionHash derives the short integrity hash stamped on every decision
func decisionHash(sig domain.Signal, status domain.DecisionStatus, decidedAt time.Time) string {
	payload := strings.Join([]string{
		sig.ID,
		sig.ProfileID,
		sig.Symbol,
		string(sig.Direction),
		string(status),
		decidedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:32]
}

// signalSource maps a signal origin to its provenance source
func signalSource(src domain.SignalSource) compliance.DecisionSource {
	switch src {
	case domain.SourceManual:
		return compliance.SourceAdminUser
	case domain.SourceSystem:
		return compliance.SourceSystemAuto
	case domain.SourceExternal:
		return compliance.SourceExternalSignal
	default:
		return compliance.SourceAIAgent
	}
}
