package reconcile

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/rs/zerolog"
)

const (
	// missingGrace covers the gap between a position closing at the broker
	// and the close landing in the mirror through another path. Rows missing
	// from the broker for longer than this are archived.
	missingGrace = 2 * time.Minute

	// staleAfter is how long an unchanged mirror row keeps its timestamp
	// before a pass refreshes it
	staleAfter = 5 * time.Minute

	// maxDriftRecords bounds the rolling drift log
	maxDriftRecords = 200

	// driftTolerance separates real drift from float representation noise
	driftTolerance = 1e-9
)

// DriftRecord is one field-level mismatch between the broker and the local
// mirror
type DriftRecord struct {
	DetectedAt  time.Time `json:"detected_at"`
	ProfileID   string    `json:"profile_id"`
	Symbol      string    `json:"symbol"`
	Field       string    `json:"field"`
	LocalValue  string    `json:"local_value"`
	RemoteValue string    `json:"remote_value"`
	Ticket      int64     `json:"ticket"`
	Corrected   bool      `json:"corrected"`
}

// Report summarises one reconciliation pass over a profile. Tickets in
// PendingClose are missing from the broker but still inside the grace
// window.
type Report struct {
	ProfileID    string  `json:"profile_id"`
	CreatedLocal []int64 `json:"created_local,omitempty"`
	ClosedLocal  []int64 `json:"closed_local,omitempty"`
	PendingClose []int64 `json:"pending_close,omitempty"`
	Checked      int     `json:"checked"`
	Matched      int     `json:"matched"`
	Drifted      int     `json:"drifted"`
	Stale        int     `json:"stale"`
}

// PositionsReconciler diffs the broker's open positions against the local
// mirror for every live session. Broker state wins: drifted fields are
// corrected, unknown broker positions get mirror rows, and rows the broker
// no longer reports are archived to trade history once the grace window
// passes. Each pass also feeds broker quotes and completed bars for the
// open symbols to the panic monitor.
type PositionsReconciler struct {
	pool      PoolInterface
	positions PositionStoreInterface
	history   HistoryStoreInterface
	profiles  ProfileStoreInterface
	monitor   MonitorInterface
	alerts    AlertSinkInterface
	hub       *events.Hub
	clk       clock.Clock
	ids       clock.Minter
	log       zerolog.Logger
	worker    *worker

	// first-seen times for open rows the broker no longer reports, keyed
	// profile|ticket. Only touched inside a pass; the single-flight worker
	// serialises access.
	missingSince map[string]time.Time

	// bar times already fed to the monitor, keyed profile|symbol, so a
	// slow market does not replay the same bar every pass. Same access
	// rule as missingSince.
	lastBar map[string]time.Time

	driftLog []DriftRecord
	mu       sync.Mutex
}

// NewPositionsReconciler creates the position mirror reconciler
func NewPositionsReconciler(deps Deps) *PositionsReconciler {
	log := deps.Log.With().Str("component", "reconcile").Logger()
	return &PositionsReconciler{
		pool:         deps.Pool,
		positions:    deps.Positions,
		history:      deps.History,
		profiles:     deps.Profiles,
		monitor:      deps.Monitor,
		alerts:       deps.Alerts,
		hub:          deps.Hub,
		clk:          deps.Clock,
		ids:          deps.IDs,
		log:          log.With().Str("job", "position_reconciliation").Logger(),
		worker:       newWorker("position_reconciliation", deps.Clock, log),
		missingSince: make(map[string]time.Time),
		lastBar:      make(map[string]time.Time),
	}
}

// Name returns the job name
func (r *PositionsReconciler) Name() string {
	return "position_reconciliation"
}

// Run executes one reconciliation pass over every live session
func (r *PositionsReconciler) Run() error {
	return r.worker.track(func() error {
		return r.pass(context.Background())
	})
}

// Stats returns the worker's run counters
func (r *PositionsReconciler) Stats() WorkerStats {
	return r.worker.Stats()
}

// DriftHistory returns recent drift records for a profile, newest first
func (r *PositionsReconciler) DriftHistory(profileID string, limit int) []DriftRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []DriftRecord
	for i := len(r.driftLog) - 1; i >= 0; i-- {
		if r.driftLog[i].ProfileID != profileID {
			continue
		}
		out = append(out, r.driftLog[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (r *PositionsReconciler) pass(ctx context.Context) error {
	live := liveProfiles(r.pool)
	failed := 0
	for _, profileID := range live {
		rep, err := r.reconcileProfile(ctx, profileID)
		if err != nil {
			failed++
			r.log.Error().Err(err).Str("profile_id", profileID).Msg("Position reconciliation failed")
			continue
		}
		if rep.Drifted > 0 || len(rep.CreatedLocal) > 0 || len(rep.ClosedLocal) > 0 {
			r.log.Info().
				Str("profile_id", profileID).
				Int("checked", rep.Checked).
				Int("drifted", rep.Drifted).
				Ints64("created", rep.CreatedLocal).
				Ints64("closed", rep.ClosedLocal).
				Msg("Position mirror corrected")
		}
	}
	if failed > 0 {
		return fmt.Errorf("position reconciliation failed for %d of %d profiles", failed, len(live))
	}
	return nil
}

func (r *PositionsReconciler) reconcileProfile(ctx context.Context, profileID string) (*Report, error) {
	client, err := r.pool.Client(profileID)
	if err != nil {
		return nil, err
	}
	remote, err := client.Positions(ctx)
	if err != nil {
		r.pool.MarkDegraded(profileID, err)
		return nil, fmt.Errorf("failed to list broker positions: %w", err)
	}
	local, err := r.positions.GetOpenByProfile(profileID)
	if err != nil {
		return nil, err
	}

	now := r.clk.Now()
	rep := &Report{ProfileID: profileID, Checked: len(remote)}

	localByTicket := make(map[int64]domain.Position, len(local))
	for _, lp := range local {
		localByTicket[lp.Ticket] = lp
	}

	seen := make(map[int64]bool, len(remote))
	for _, bp := range remote {
		seen[bp.Ticket] = true
		lp, ok := localByTicket[bp.Ticket]
		if !ok {
			r.createLocal(profileID, bp, now, rep)
			continue
		}
		delete(r.missingSince, missingKey(profileID, bp.Ticket))
		r.reconcileRow(lp, bp, now, rep)
	}

	for _, lp := range local {
		if !seen[lp.Ticket] {
			r.handleMissingRemote(lp, now, rep)
		}
	}

	r.feedMonitor(ctx, client, profileID, remote)
	return rep, nil
}

// feedMonitor delivers market data for every symbol with an open position
// to the panic monitor: ticks carry the live bid/ask spread, and each
// completed bar is delivered once. When the broker cannot serve quotes the
// position prices are fed instead so the flash-crash trigger keeps its
// price stream.
func (r *PositionsReconciler) feedMonitor(ctx context.Context, client domain.BrokerClient, profileID string, remote []domain.BrokerPosition) {
	if len(remote) == 0 {
		return
	}

	seen := make(map[string]bool, len(remote))
	symbols := make([]string, 0, len(remote))
	for _, bp := range remote {
		if !seen[bp.Symbol] {
			seen[bp.Symbol] = true
			symbols = append(symbols, bp.Symbol)
		}
	}

	quotes, err := client.Quotes(ctx, symbols)
	if err != nil {
		r.log.Warn().Err(err).Str("profile_id", profileID).Msg("Quotes unavailable, feeding position prices to monitor")
		for _, bp := range remote {
			r.monitor.ObservePrice(ctx, profileID, bp.Symbol, bp.CurrentPrice, 0)
		}
		return
	}

	quoted := make(map[string]bool, len(quotes))
	for _, q := range quotes {
		quoted[q.Symbol] = true
		r.monitor.ObservePrice(ctx, profileID, q.Symbol, q.Mid(), q.Spread())

		if q.BarTime.IsZero() {
			continue
		}
		key := barKey(profileID, q.Symbol)
		if last, ok := r.lastBar[key]; ok && !q.BarTime.After(last) {
			continue
		}
		r.lastBar[key] = q.BarTime
		r.monitor.ObserveBar(ctx, profileID, q.Symbol, q.BarHigh, q.BarLow, q.BarClose)
	}

	// Symbols the broker had no quote for still get their position price
	for _, bp := range remote {
		if !quoted[bp.Symbol] {
			r.monitor.ObservePrice(ctx, profileID, bp.Symbol, bp.CurrentPrice, 0)
			quoted[bp.Symbol] = true
		}
	}
}

// reconcileRow handles a ticket present on both sides: corrects drifted
// fields, or refreshes the row timestamp when the market has been quiet long
// enough for it to go stale
func (r *PositionsReconciler) reconcileRow(lp domain.Position, bp domain.BrokerPosition, now time.Time, rep *Report) {
	drifts := diffPosition(lp, bp, now)
	if len(drifts) == 0 {
		if now.Sub(lp.UpdatedAt) < staleAfter {
			rep.Matched++
			return
		}
		rep.Stale++
	} else {
		rep.Drifted++
	}

	if err := r.positions.Upsert(mergeBroker(lp, bp, now)); err != nil {
		r.recordDrift(drifts, false)
		r.alertDrift(lp, err)
		return
	}
	r.recordDrift(drifts, true)

	if len(drifts) > 0 {
		r.hub.Publish(events.New(events.PositionUpdate, lp.ProfileID, now, map[string]interface{}{
			"ticket":        lp.Ticket,
			"symbol":        lp.Symbol,
			"volume":        bp.Volume,
			"current_price": bp.CurrentPrice,
			"profit":        bp.Profit,
			"change":        "corrected",
		}))
	}
}

// createLocal mirrors a broker position the control plane has no row for
func (r *PositionsReconciler) createLocal(profileID string, bp domain.BrokerPosition, now time.Time, rep *Report) {
	p := domain.Position{
		OpenedAt:     bp.OpenedAt,
		UpdatedAt:    now,
		ID:           r.ids.Prefixed("pos"),
		ProfileID:    profileID,
		Symbol:       bp.Symbol,
		Side:         domain.PositionSide(bp.Side),
		Status:       domain.PositionOpen,
		Ticket:       bp.Ticket,
		Volume:       bp.Volume,
		OpenPrice:    bp.OpenPrice,
		CurrentPrice: bp.CurrentPrice,
		StopLoss:     bp.StopLoss,
		TakeProfit:   bp.TakeProfit,
		Profit:       bp.Profit,
		Swap:         bp.Swap,
		Commission:   bp.Commission,
	}
	if err := r.positions.Upsert(p); err != nil {
		r.log.Error().Err(err).
			Str("profile_id", profileID).
			Int64("ticket", bp.Ticket).
			Msg("Failed to create mirror row for broker position")
		return
	}

	rep.CreatedLocal = append(rep.CreatedLocal, bp.Ticket)
	r.hub.Publish(events.New(events.PositionUpdate, profileID, now, map[string]interface{}{
		"ticket":        bp.Ticket,
		"symbol":        bp.Symbol,
		"volume":        bp.Volume,
		"current_price": bp.CurrentPrice,
		"profit":        bp.Profit,
		"change":        "created",
	}))
	r.log.Warn().
		Str("profile_id", profileID).
		Int64("ticket", bp.Ticket).
		Str("symbol", bp.Symbol).
		Msg("Broker position had no mirror row, created")
}

// handleMissingRemote tracks an open row the broker stopped reporting and
// archives it once the grace window passes
func (r *PositionsReconciler) handleMissingRemote(lp domain.Position, now time.Time, rep *Report) {
	key := missingKey(lp.ProfileID, lp.Ticket)
	first, tracked := r.missingSince[key]
	if !tracked {
		r.missingSince[key] = now
		rep.PendingClose = append(rep.PendingClose, lp.Ticket)
		return
	}
	if now.Sub(first) < missingGrace {
		rep.PendingClose = append(rep.PendingClose, lp.Ticket)
		return
	}

	if err := r.positions.MarkClosed(lp.ProfileID, lp.Ticket, now); err != nil {
		r.log.Error().Err(err).
			Str("profile_id", lp.ProfileID).
			Int64("ticket", lp.Ticket).
			Msg("Failed to close vanished position")
		return
	}
	delete(r.missingSince, key)

	record := domain.TradeRecord{
		OpenedAt:    lp.OpenedAt,
		ClosedAt:    now,
		ID:          r.ids.Prefixed("trade"),
		ProfileID:   lp.ProfileID,
		Symbol:      lp.Symbol,
		Side:        lp.Side,
		CloseReason: "closed at broker",
		Ticket:      lp.Ticket,
		Volume:      lp.Volume,
		OpenPrice:   lp.OpenPrice,
		ClosePrice:  lp.CurrentPrice,
		Profit:      lp.Profit,
		Swap:        lp.Swap,
		Commission:  lp.Commission,
	}
	if err := r.history.Create(record); err != nil {
		r.log.Error().Err(err).
			Str("profile_id", lp.ProfileID).
			Int64("ticket", lp.Ticket).
			Msg("Failed to archive vanished position")
	}

	rep.ClosedLocal = append(rep.ClosedLocal, lp.Ticket)
	r.hub.Publish(events.New(events.PositionClosed, lp.ProfileID, now, map[string]interface{}{
		"ticket":       lp.Ticket,
		"symbol":       lp.Symbol,
		"profit":       lp.Profit,
		"close_price":  lp.CurrentPrice,
		"close_reason": "closed at broker",
	}))
	r.log.Info().
		Str("profile_id", lp.ProfileID).
		Int64("ticket", lp.Ticket).
		Str("symbol", lp.Symbol).
		Msg("Vanished position archived to trade history")
}

// recordDrift appends field mismatches to the bounded rolling drift log
func (r *PositionsReconciler) recordDrift(drifts []DriftRecord, corrected bool) {
	if len(drifts) == 0 {
		return
	}
	for i := range drifts {
		drifts[i].Corrected = corrected
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.driftLog = append(r.driftLog, drifts...)
	if len(r.driftLog) > maxDriftRecords {
		r.driftLog = r.driftLog[len(r.driftLog)-maxDriftRecords:]
	}
}

// alertDrift raises an operator alert for drift the pass could not correct
func (r *PositionsReconciler) alertDrift(lp domain.Position, cause error) {
	alert := domain.Alert{
		CreatedAt: r.clk.Now(),
		Details: map[string]interface{}{
			"ticket": lp.Ticket,
			"symbol": lp.Symbol,
			"error":  cause.Error(),
		},
		ID:        r.ids.Prefixed("alert"),
		ProfileID: lp.ProfileID,
		Kind:      "position_drift",
		Source:    "reconcile",
		Message:   fmt.Sprintf("Position %d on %s drifted from the broker and could not be corrected", lp.Ticket, lp.Symbol),
		Severity:  domain.AlertWarning,
	}
	if p, err := r.profiles.GetByID(lp.ProfileID); err == nil && p != nil {
		alert.TenantID = p.TenantID
	}
	if err := r.alerts.Create(alert); err != nil {
		r.log.Error().Err(err).Msg("Failed to raise drift alert")
	}
	r.log.Error().Err(cause).
		Str("profile_id", lp.ProfileID).
		Int64("ticket", lp.Ticket).
		Msg("Unresolved position drift")
}

// diffPosition lists the mutable fields where the broker and the mirror
// disagree
func diffPosition(lp domain.Position, bp domain.BrokerPosition, now time.Time) []DriftRecord {
	fields := []struct {
		name   string
		local  float64
		remote float64
	}{
		{"volume", lp.Volume, bp.Volume},
		{"current_price", lp.CurrentPrice, bp.CurrentPrice},
		{"stop_loss", lp.StopLoss, bp.StopLoss},
		{"take_profit", lp.TakeProfit, bp.TakeProfit},
		{"profit", lp.Profit, bp.Profit},
		{"swap", lp.Swap, bp.Swap},
		{"commission", lp.Commission, bp.Commission},
	}

	var out []DriftRecord
	for _, f := range fields {
		if math.Abs(f.local-f.remote) <= driftTolerance {
			continue
		}
		out = append(out, DriftRecord{
			DetectedAt:  now,
			ProfileID:   lp.ProfileID,
			Symbol:      lp.Symbol,
			Field:       f.name,
			LocalValue:  strconv.FormatFloat(f.local, 'f', -1, 64),
			RemoteValue: strconv.FormatFloat(f.remote, 'f', -1, 64),
			Ticket:      lp.Ticket,
		})
	}
	return out
}

// mergeBroker overlays the broker-owned fields onto the mirror row
func mergeBroker(lp domain.Position, bp domain.BrokerPosition, now time.Time) domain.Position {
	lp.Volume = bp.Volume
	lp.CurrentPrice = bp.CurrentPrice
	lp.StopLoss = bp.StopLoss
	lp.TakeProfit = bp.TakeProfit
	lp.Profit = bp.Profit
	lp.Swap = bp.Swap
	lp.Commission = bp.Commission
	lp.UpdatedAt = now
	return lp
}

func missingKey(profileID string, ticket int64) string {
	return fmt.Sprintf("%s|%d", profileID, ticket)
}

func barKey(profileID, symbol string) string {
	return profileID + "|" + symbol
}
