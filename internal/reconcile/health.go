package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/pool"
	"github.com/rs/zerolog"
)

// HealthReconciler scans the pool for degraded sessions and drives their
// backoff reconnects. A session that burns through its attempt budget closes
// with a connection_lost event and a critical alert. The pass also evicts
// sessions whose heartbeat went stale.
type HealthReconciler struct {
	pool     PoolInterface
	profiles ProfileStoreInterface
	alerts   AlertSinkInterface
	hub      *events.Hub
	clk      clock.Clock
	ids      clock.Minter
	log      zerolog.Logger
	worker   *worker
}

// NewHealthReconciler creates the connection health reconciler
func NewHealthReconciler(deps Deps) *HealthReconciler {
	log := deps.Log.With().Str("component", "reconcile").Logger()
	return &HealthReconciler{
		pool:     deps.Pool,
		profiles: deps.Profiles,
		alerts:   deps.Alerts,
		hub:      deps.Hub,
		clk:      deps.Clock,
		ids:      deps.IDs,
		log:      log.With().Str("job", "connection_health").Logger(),
		worker:   newWorker("connection_health", deps.Clock, log),
	}
}

// Name returns the job name
func (r *HealthReconciler) Name() string {
	return "connection_health"
}

// Run executes one health pass over the pool
func (r *HealthReconciler) Run() error {
	return r.worker.track(func() error {
		return r.pass(context.Background())
	})
}

// Stats returns the worker's run counters
func (r *HealthReconciler) Stats() WorkerStats {
	return r.worker.Stats()
}

func (r *HealthReconciler) pass(ctx context.Context) error {
	stats := r.pool.GetStats()
	if stats.Degraded > 0 {
		r.log.Warn().
			Int("live", stats.Live).
			Int("degraded", stats.Degraded).
			Msg("Degraded broker sessions present")
	}

	for _, profileID := range r.pool.Degraded() {
		r.recover(ctx, profileID)
	}

	if evicted := r.pool.EvictIdle(ctx); len(evicted) > 0 {
		r.log.Info().Strs("profiles", evicted).Msg("Idle sessions evicted")
	}
	return nil
}

// recover drives one reconnect attempt. Attempts inside the backoff window
// and sessions that raced into another state are left alone.
func (r *HealthReconciler) recover(ctx context.Context, profileID string) {
	err := r.pool.Reconnect(ctx, profileID)
	switch {
	case err == nil:
		r.hub.Publish(events.New(events.ConnectionRestored, profileID, r.clk.Now(), map[string]interface{}{
			"state": "live",
		}))
	case errors.Is(err, pool.ErrRetryNotDue):
	case errors.Is(err, pool.ErrSessionNotFound), errors.Is(err, pool.ErrSessionNotLive):
	default:
		s, ok := r.pool.Get(profileID)
		if !ok || s.State != pool.StateClosed {
			// Attempt failed but the budget is not spent; the pool has
			// scheduled the next retry
			return
		}
		r.connectionLost(profileID, s)
	}
}

// connectionLost reports a session whose reconnect budget is exhausted
func (r *HealthReconciler) connectionLost(profileID string, s *pool.Session) {
	now := r.clk.Now()
	r.hub.Publish(events.New(events.ConnectionLost, profileID, now, map[string]interface{}{
		"reason":     "reconnect attempts exhausted",
		"attempts":   s.ReconnectAttempts,
		"last_error": s.LastError,
	}))

	alert := domain.Alert{
		CreatedAt: now,
		Details:   map[string]interface{}{"last_error": s.LastError},
		ID:        r.ids.Prefixed("alert"),
		ProfileID: profileID,
		Kind:      "connection_lost",
		Source:    "reconcile",
		Message:   fmt.Sprintf("Broker session for profile %s lost after %d reconnect attempts", profileID, s.ReconnectAttempts),
		Severity:  domain.AlertCritical,
	}
	if p, err := r.profiles.GetByID(profileID); err == nil && p != nil {
		alert.TenantID = p.TenantID
	}
	if err := r.alerts.Create(alert); err != nil {
		r.log.Error().Err(err).Msg("Failed to raise connection alert")
	}

	r.log.Error().
		Str("profile_id", profileID).
		Int("attempts", s.ReconnectAttempts).
		Str("last_error", s.LastError).
		Msg("Broker connection lost, reconnect attempts exhausted")
}
