package reconcile

import (
	"fmt"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/rs/zerolog"
)

// ExpirationReconciler sweeps approved decisions whose validity window has
// passed. Expired decisions can no longer be reported as executed, and each
// sweep announces the expiry to the profile's subscribers.
type ExpirationReconciler struct {
	decisions DecisionStoreInterface
	hub       *events.Hub
	clk       clock.Clock
	log       zerolog.Logger
	worker    *worker
}

// NewExpirationReconciler creates the decision expiration reconciler
func NewExpirationReconciler(deps Deps) *ExpirationReconciler {
	log := deps.Log.With().Str("component", "reconcile").Logger()
	return &ExpirationReconciler{
		decisions: deps.Decisions,
		hub:       deps.Hub,
		clk:       deps.Clock,
		log:       log.With().Str("job", "signal_expiration").Logger(),
		worker:    newWorker("signal_expiration", deps.Clock, log),
	}
}

// Name returns the job name
func (r *ExpirationReconciler) Name() string {
	return "signal_expiration"
}

// Run executes one expiration sweep
func (r *ExpirationReconciler) Run() error {
	return r.worker.track(r.pass)
}

// Stats returns the worker's run counters
func (r *ExpirationReconciler) Stats() WorkerStats {
	return r.worker.Stats()
}

func (r *ExpirationReconciler) pass() error {
	now := r.clk.Now()
	expirable, err := r.decisions.ListExpirable(now)
	if err != nil {
		return fmt.Errorf("failed to list expirable decisions: %w", err)
	}
	if len(expirable) == 0 {
		return nil
	}

	failed := 0
	for _, d := range expirable {
		if err := r.decisions.MarkExpired(d.ID); err != nil {
			failed++
			r.log.Error().Err(err).Str("decision_id", d.ID).Msg("Failed to expire decision")
			continue
		}

		data := map[string]interface{}{
			"decision_id": d.ID,
			"signal_id":   d.Signal.ID,
			"symbol":      d.Signal.Symbol,
		}
		if d.Signal.ValidUntil != nil {
			data["valid_until"] = d.Signal.ValidUntil.UTC().Format(time.RFC3339Nano)
		}
		r.hub.Publish(events.New(events.SignalExpired, d.Signal.ProfileID, now, data))
	}

	r.log.Info().
		Int("expired", len(expirable)-failed).
		Int("failed", failed).
		Msg("Swept expired decisions")
	if failed > 0 {
		return fmt.Errorf("failed to expire %d of %d decisions", failed, len(expirable))
	}
	return nil
}
