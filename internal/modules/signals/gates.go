package signals

import (
	"fmt"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// GateInput bundles the state snapshot one evaluation reads. The ingress pipeline
// assembles it under the per-profile lease so every gate sees a consistent
// view.
type GateInput struct {
	Now            time.Time
	Location       *time.Location
	Snapshot       *domain.AccountSnapshot
	Signal         domain.Signal
	PanicReason    string
	Config         domain.GateConfig
	OpenPositions  int
	DailyCount     int
	Connected      bool
	TradingEnabled bool
	PanicActive    bool
}

// Gate is a single risk check
type Gate interface {
	Name() string
	Check(in GateInput) domain.GateResult
}

// GateRegistry holds the ordered gate chain
type GateRegistry struct {
	gates []Gate
	log   zerolog.Logger
}

// NewGateRegistry creates a registry with the default chain
func NewGateRegistry(log zerolog.Logger) *GateRegistry {
	r := &GateRegistry{
		log: log.With().Str("component", "gates").Logger(),
	}
	r.Register(
		tradingEnabledGate{},
		panicGate{},
		confidenceGate{},
		positionLimitGate{},
		drawdownGate{},
		dailyLimitGate{},
		tradingHoursGate{},
		freshnessGate{},
	)
	return r
}

// Register appends gates to the chain. New gates slot in without touching
// the pipeline.
func (r *GateRegistry) Register(gates ...Gate) {
	r.gates = append(r.gates, gates...)
}

// Names returns the gate names in evaluation order
func (r *GateRegistry) Names() []string {
	names := make([]string, len(r.gates))
	for i, g := range r.gates {
		names[i] = g.Name()
	}
	return names
}

// Evaluate runs every registered gate and returns the results in chain order
func (r *GateRegistry) Evaluate(in GateInput) []domain.GateResult {
	results := make([]domain.GateResult, 0, len(r.gates))
	for _, g := range r.gates {
		res := g.Check(in)
		res.Name = g.Name()
		if !res.Passed {
			r.log.Debug().
				Str("profile_id", in.Signal.ProfileID).
				Str("signal_id", in.Signal.ID).
				Str("gate", res.Name).
				Str("reason", res.Reason).
				Msg("Gate blocked signal")
		}
		results = append(results, res)
	}
	return results
}

// Passed reports whether every result in the set passed
func Passed(results []domain.GateResult) bool {
	for _, res := range results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// tradingEnabledGate requires a connected session and an enabled profile
type tradingEnabledGate struct{}

func (tradingEnabledGate) Name() string { return domain.GateTradingEnabled }

func (tradingEnabledGate) Check(in GateInput) domain.GateResult {
	switch {
	case !in.Connected:
		return fail("broker session not connected", map[string]interface{}{
			"connected": false,
		})
	case !in.TradingEnabled:
		return fail("trading disabled for profile", map[string]interface{}{
			"connected":       true,
			"trading_enabled": false,
		})
	}
	return pass(nil)
}

// panicGate blocks while the profile's panic state is active. This is the
// single path through which the emergency controls reject new trades.
type panicGate struct{}

func (panicGate) Name() string { return domain.GatePanic }

func (panicGate) Check(in GateInput) domain.GateResult {
	if in.PanicActive {
		reason := "panic state active"
		if in.PanicReason != "" {
			reason = fmt.Sprintf("panic state active: %s", in.PanicReason)
		}
		return fail(reason, map[string]interface{}{
			"panic_active": true,
			"trigger":      in.PanicReason,
		})
	}
	return pass(nil)
}

// confidenceGate enforces the per-profile confidence floor
type confidenceGate struct{}

func (confidenceGate) Name() string { return domain.GateConfidence }

func (confidenceGate) Check(in GateInput) domain.GateResult {
	detail := map[string]interface{}{
		"confidence":     in.Signal.Confidence,
		"min_confidence": in.Config.MinConfidence,
	}
	if in.Signal.Confidence < in.Config.MinConfidence {
		return fail(fmt.Sprintf("confidence %.2f below minimum %.2f",
			in.Signal.Confidence, in.Config.MinConfidence), detail)
	}
	return pass(detail)
}

// positionLimitGate caps concurrent open positions. Only open positions
// count; closed rows in the mirror are ignored upstream.
type positionLimitGate struct{}

func (positionLimitGate) Name() string { return domain.GatePositionLimit }

func (positionLimitGate) Check(in GateInput) domain.GateResult {
	detail := map[string]interface{}{
		"open_positions": in.OpenPositions,
		"max_concurrent": in.Config.MaxConcurrentPositions,
	}
	if in.OpenPositions >= in.Config.MaxConcurrentPositions {
		return fail(fmt.Sprintf("position limit reached: %d of %d open",
			in.OpenPositions, in.Config.MaxConcurrentPositions), detail)
	}
	return pass(detail)
}

// drawdownGate blocks when floating losses eat too far into balance. It
// reads the most recent synced snapshot, never the broker directly. No
// snapshot and non-positive balance both pass.
type drawdownGate struct{}

func (drawdownGate) Name() string { return domain.GateDrawdown }

func (drawdownGate) Check(in GateInput) domain.GateResult {
	if in.Snapshot == nil {
		return pass(map[string]interface{}{"snapshot": "none"})
	}

	dd := in.Snapshot.Drawdown()
	detail := map[string]interface{}{
		"drawdown":     dd,
		"max_drawdown": in.Config.MaxDrawdownToTrade,
		"balance":      in.Snapshot.Balance,
		"equity":       in.Snapshot.Equity,
	}
	if dd >= in.Config.MaxDrawdownToTrade {
		return fail(fmt.Sprintf("drawdown %.1f%% at or above limit %.1f%%",
			dd*100, in.Config.MaxDrawdownToTrade*100), detail)
	}
	return pass(detail)
}

// dailyLimitGate caps decisions per tenant-local civil day
type dailyLimitGate struct{}

func (dailyLimitGate) Name() string { return domain.GateDailyLimit }

func (dailyLimitGate) Check(in GateInput) domain.GateResult {
	detail := map[string]interface{}{
		"daily_count": in.DailyCount,
		"daily_max":   in.Config.MaxDailySignals,
	}
	if in.DailyCount >= in.Config.MaxDailySignals {
		return fail(fmt.Sprintf("daily signal cap reached: %d of %d",
			in.DailyCount, in.Config.MaxDailySignals), detail)
	}
	return pass(detail)
}

// tradingHoursGate restricts approvals to the profile's configured weekday
// windows, evaluated in the profile's timezone. No configured windows means
// no restriction.
type tradingHoursGate struct{}

func (tradingHoursGate) Name() string { return domain.GateTradingHours }

func (tradingHoursGate) Check(in GateInput) domain.GateResult {
	if len(in.Config.AllowedTradingHours) == 0 {
		return pass(nil)
	}

	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	local := in.Now.In(loc)
	detail := map[string]interface{}{
		"local_time": local.Format("Monday 15:04"),
		"windows":    in.Config.AllowedTradingHours,
	}
	if !in.Config.WithinTradingHours(local) {
		return fail(fmt.Sprintf("outside allowed trading hours (%s local)",
			local.Format("Monday 15:04")), detail)
	}
	return pass(detail)
}

// freshnessGate rejects signals whose validity window has already passed
type freshnessGate struct{}

func (freshnessGate) Name() string { return domain.GateFreshness }

func (freshnessGate) Check(in GateInput) domain.GateResult {
	if in.Signal.ValidUntil == nil {
		return pass(nil)
	}
	detail := map[string]interface{}{
		"valid_until": in.Signal.ValidUntil.UTC().Format(time.RFC3339Nano),
	}
	if !in.Signal.ValidUntil.After(in.Now) {
		return fail("signal validity window has passed", detail)
	}
	return pass(detail)
}

func pass(detail map[string]interface{}) domain.GateResult {
	return domain.GateResult{Passed: true, Detail: detail}
}

func fail(reason string, detail map[string]interface{}) domain.GateResult {
	return domain.GateResult{Passed: false, Reason: reason, Detail: detail}
}
