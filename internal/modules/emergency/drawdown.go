package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/archonlabs/bastion/internal/config"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/modules/compliance"
	"github.com/rs/zerolog"
)

// DrawdownLevel tiers the severity of an equity drop from peak
type DrawdownLevel string

const (
	DrawdownNormal  DrawdownLevel = "normal"
	DrawdownCaution DrawdownLevel = "caution"
	DrawdownReduce  DrawdownLevel = "reduce"
	DrawdownHalt    DrawdownLevel = "halt"
)

// DrawdownStatus is a read-only snapshot of one profile's drawdown track
type DrawdownStatus struct {
	ProfileID  string        `json:"profile_id"`
	Level      DrawdownLevel `json:"level"`
	PeakEquity float64       `json:"peak_equity"`
	Equity     float64       `json:"equity"`
	Drawdown   float64       `json:"drawdown"`
	Halted     bool          `json:"halted"`
}

// track is the mutable per-profile drawdown record
type track struct {
	peakEquity    float64
	equity        float64
	drawdown      float64
	haltThreshold float64
	level         DrawdownLevel
	halted        bool
}

// DrawdownController consumes the account update stream and walks each
// profile through the warning tiers. Crossing the profile's halt threshold
// raises a drawdown panic without flattening positions; closing everything
// is the panic hedge's job, not this controller's. The halt latch clears
// once drawdown improves past the recovery buffer, so an oscillation around
// the threshold cannot re-trigger until the account has genuinely recovered.
type DrawdownController struct {
	svc    *Service
	cfg    config.EmergencyConfig
	log    zerolog.Logger
	tracks map[string]*track
	mu     sync.Mutex
}

func newDrawdownController(svc *Service, cfg config.EmergencyConfig, log zerolog.Logger) *DrawdownController {
	return &DrawdownController{
		svc:    svc,
		cfg:    cfg,
		log:    log.With().Str("component", "drawdown").Logger(),
		tracks: make(map[string]*track),
	}
}

// Observe feeds one equity sample for a profile. The peak only ratchets up;
// a fresh period starts with ResetPeak. Tier warnings fire once per upward
// level entry, and recovery is evaluated on every sample rather than only
// when a new peak prints.
func (c *DrawdownController) Observe(profile *domain.Profile, equity float64) {
	if profile == nil || equity < 0 {
		return
	}

	c.mu.Lock()
	tr, ok := c.tracks[profile.ID]
	if !ok {
		tr = &track{level: DrawdownNormal}
		c.tracks[profile.ID] = tr
	}
	if equity > tr.peakEquity {
		tr.peakEquity = equity
	}
	tr.equity = equity
	tr.drawdown = 0
	if tr.peakEquity > 0 {
		tr.drawdown = (tr.peakEquity - equity) / tr.peakEquity
	}

	haltAt := profile.GateConfig.MaxDrawdownToTrade
	prev := tr.level
	tr.level = classifyDrawdown(tr.drawdown, c.cfg, haltAt)

	entersHalt := tr.level == DrawdownHalt && !tr.halted
	if entersHalt {
		tr.halted = true
		tr.haltThreshold = haltAt
	}
	recovered := tr.halted && !entersHalt && tr.drawdown < tr.haltThreshold-c.cfg.RecoveryBuffer
	if recovered {
		tr.halted = false
	}

	dd := tr.drawdown
	peak := tr.peakEquity
	level := tr.level
	c.mu.Unlock()

	switch {
	case entersHalt:
		c.halt(profile, dd, haltAt, peak, equity)
	case recovered:
		c.log.Info().
			Str("profile_id", profile.ID).
			Float64("drawdown", dd).
			Msg("Drawdown recovered past the buffer")
	case level == DrawdownReduce && (prev == DrawdownNormal || prev == DrawdownCaution):
		c.warn(profile, level, dd, c.cfg.ReduceDrawdown, peak, equity)
	case level == DrawdownCaution && prev == DrawdownNormal:
		c.warn(profile, level, dd, c.cfg.CautionDrawdown, peak, equity)
	}
}

// Recovered reports whether a profile's drawdown has improved past the
// recovery buffer since its halt. Profiles never halted count as recovered.
func (c *DrawdownController) Recovered(profileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr, ok := c.tracks[profileID]
	if !ok {
		return true
	}
	return !tr.halted
}

// StatusFor returns the drawdown snapshot for one profile, or nil before any
// observation
func (c *DrawdownController) StatusFor(profileID string) *DrawdownStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr, ok := c.tracks[profileID]
	if !ok {
		return nil
	}
	return &DrawdownStatus{
		ProfileID:  profileID,
		Level:      tr.level,
		PeakEquity: tr.peakEquity,
		Equity:     tr.equity,
		Drawdown:   tr.drawdown,
		Halted:     tr.halted,
	}
}

// ResetPeak starts a fresh drawdown period for a profile, anchoring the peak
// at current equity and clearing the halt latch
func (c *DrawdownController) ResetPeak(profileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr, ok := c.tracks[profileID]
	if !ok {
		return
	}
	tr.peakEquity = tr.equity
	tr.drawdown = 0
	tr.level = DrawdownNormal
	tr.halted = false
}

// Forget drops a profile's drawdown track
func (c *DrawdownController) Forget(profileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracks, profileID)
}

// AccountCount reports how many profiles have drawdown tracks
func (c *DrawdownController) AccountCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

// classifyDrawdown orders the tiers by severity. The profile halt threshold
// may sit below the shared warning levels and still wins.
func classifyDrawdown(dd float64, cfg config.EmergencyConfig, haltAt float64) DrawdownLevel {
	switch {
	case haltAt > 0 && dd > haltAt:
		return DrawdownHalt
	case cfg.ReduceDrawdown > 0 && dd >= cfg.ReduceDrawdown:
		return DrawdownReduce
	case cfg.CautionDrawdown > 0 && dd >= cfg.CautionDrawdown:
		return DrawdownCaution
	default:
		return DrawdownNormal
	}
}

// warn emits the tiered drawdown warning
func (c *DrawdownController) warn(profile *domain.Profile, level DrawdownLevel, dd, threshold, peak, equity float64) {
	payload := map[string]interface{}{
		"level":       string(level),
		"drawdown":    dd,
		"threshold":   threshold,
		"peak_equity": peak,
		"equity":      equity,
	}
	c.svc.recordEvent(profile.ID, events.DrawdownWarning, domain.AlertWarning, payload)
	c.svc.raiseAlert(profile, "drawdown_warning", domain.AlertWarning,
		fmt.Sprintf("Drawdown at %.1f%% of peak for profile %s", dd*100, profile.ID), payload)
	c.svc.publish(events.DrawdownWarning, profile.ID, payload)

	c.log.Warn().
		Str("profile_id", profile.ID).
		Str("level", string(level)).
		Float64("drawdown", dd).
		Float64("equity", equity).
		Msg("Drawdown warning")
}

// halt raises the drawdown panic. Positions stay open: only the panic hedge
// and the kill switch flatten.
func (c *DrawdownController) halt(profile *domain.Profile, dd, threshold, peak, equity float64) {
	_, err := c.svc.activate(context.Background(), activation{
		profileID: profile.ID,
		trigger:   domain.TriggerDrawdown,
		source:    compliance.SourceSystemAuto,
		reason:    fmt.Sprintf("equity down %.1f%% from peak, limit %.1f%%", dd*100, threshold*100),
		detail: map[string]interface{}{
			"drawdown":    dd,
			"threshold":   threshold,
			"peak_equity": peak,
			"equity":      equity,
		},
		flatten: false,
		event:   events.DrawdownHalt,
	})
	if err != nil && !errors.Is(err, ErrPanicActive) {
		c.log.Error().Err(err).Str("profile_id", profile.ID).Msg("Drawdown halt failed")
	}
}
