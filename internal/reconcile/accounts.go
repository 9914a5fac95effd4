package reconcile

import (
	"context"
	"fmt"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/rs/zerolog"
)

// AccountsReconciler samples balance, equity, and margin for every live
// session. Each sample lands in the snapshot store, refreshes the pool's
// cached account state and heartbeat, goes out as an account_update event,
// and feeds the drawdown controller.
type AccountsReconciler struct {
	pool      PoolInterface
	profiles  ProfileStoreInterface
	snapshots SnapshotStoreInterface
	drawdown  DrawdownInterface
	hub       *events.Hub
	clk       clock.Clock
	log       zerolog.Logger
	worker    *worker
}

// NewAccountsReconciler creates the account sync reconciler
func NewAccountsReconciler(deps Deps) *AccountsReconciler {
	log := deps.Log.With().Str("component", "reconcile").Logger()
	return &AccountsReconciler{
		pool:      deps.Pool,
		profiles:  deps.Profiles,
		snapshots: deps.Snapshots,
		drawdown:  deps.Drawdown,
		hub:       deps.Hub,
		clk:       deps.Clock,
		log:       log.With().Str("job", "account_sync").Logger(),
		worker:    newWorker("account_sync", deps.Clock, log),
	}
}

// Name returns the job name
func (r *AccountsReconciler) Name() string {
	return "account_sync"
}

// Run executes one sync pass over every live session
func (r *AccountsReconciler) Run() error {
	return r.worker.track(func() error {
		return r.pass(context.Background())
	})
}

// Stats returns the worker's run counters
func (r *AccountsReconciler) Stats() WorkerStats {
	return r.worker.Stats()
}

func (r *AccountsReconciler) pass(ctx context.Context) error {
	live := liveProfiles(r.pool)
	failed := 0
	for _, profileID := range live {
		if err := r.syncProfile(ctx, profileID); err != nil {
			failed++
			r.log.Warn().Err(err).Str("profile_id", profileID).Msg("Account sync failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("account sync failed for %d of %d profiles", failed, len(live))
	}
	return nil
}

func (r *AccountsReconciler) syncProfile(ctx context.Context, profileID string) error {
	client, err := r.pool.Client(profileID)
	if err != nil {
		return err
	}
	info, err := client.Account(ctx)
	if err != nil {
		r.pool.MarkDegraded(profileID, err)
		return fmt.Errorf("failed to fetch account state: %w", err)
	}

	now := r.clk.Now()
	snap := domain.AccountSnapshot{
		TakenAt:     now,
		ProfileID:   profileID,
		Currency:    info.Currency,
		Balance:     info.Balance,
		Equity:      info.Equity,
		Margin:      info.Margin,
		FreeMargin:  info.FreeMargin,
		MarginLevel: info.MarginLevel,
		Leverage:    info.Leverage,
	}
	if err := r.snapshots.Create(snap); err != nil {
		r.log.Warn().Err(err).Str("profile_id", profileID).Msg("Failed to persist account snapshot")
	}

	r.pool.Heartbeat(profileID, info)

	r.hub.Publish(events.New(events.AccountUpdate, profileID, now, map[string]interface{}{
		"balance":      info.Balance,
		"equity":       info.Equity,
		"margin":       info.Margin,
		"free_margin":  info.FreeMargin,
		"margin_level": info.MarginLevel,
		"profit":       info.Equity - info.Balance,
		"currency":     info.Currency,
	}))

	profile, err := r.profiles.GetByID(profileID)
	if err != nil || profile == nil {
		r.log.Warn().Err(err).Str("profile_id", profileID).Msg("Profile lookup failed, drawdown sample skipped")
		return nil
	}
	r.drawdown.Observe(profile, info.Equity)
	return nil
}
