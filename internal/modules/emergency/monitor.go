package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/config"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/modules/compliance"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

const (
	// atrPeriod is the ATR lookback for the volatility spike trigger
	atrPeriod = 14

	// maxBars bounds the per-symbol bar history
	maxBars = 256

	// maxPricePoints bounds the per-symbol tick window
	maxPricePoints = 1000

	// minSpreadSamples is how many spreads the rolling baseline needs
	// before the blowout trigger arms
	minSpreadSamples = 20

	// maxSpreadSamples bounds the rolling spread window
	maxSpreadSamples = 120
)

// pricePoint is one observed tick
type pricePoint struct {
	at    time.Time
	price float64
}

// book is the rolling market state for one profile and symbol
type book struct {
	prices  []pricePoint
	spreads []float64
	highs   []float64
	lows    []float64
	closes  []float64
}

// Monitor watches the market streams for panic trigger conditions: flash
// crashes inside the tick window, spread blowouts against the rolling
// baseline, and volatility spikes against the recent ATR. It keeps recording
// while a panic is active so the windows stay warm, but evaluation pauses
// until the panic is reset.
type Monitor struct {
	svc   *Service
	cfg   config.EmergencyConfig
	clk   clock.Clock
	log   zerolog.Logger
	books map[string]*book
	mu    sync.Mutex
}

func newMonitor(svc *Service, cfg config.EmergencyConfig, clk clock.Clock, log zerolog.Logger) *Monitor {
	return &Monitor{
		svc:   svc,
		cfg:   cfg,
		clk:   clk,
		log:   log.With().Str("component", "panic_monitor").Logger(),
		books: make(map[string]*book),
	}
}

// ObservePrice records one tick and evaluates the flash-crash and
// spread-blowout triggers. The tick is recorded before any evaluation, and
// the spread baseline is taken from the window as it stood before this tick
// so a blowout cannot dilute its own baseline.
func (m *Monitor) ObservePrice(ctx context.Context, profileID, symbol string, price, spread float64) {
	if price <= 0 {
		return
	}
	now := m.clk.Now()

	m.mu.Lock()
	b := m.bookLocked(profileID, symbol)
	b.prices = append(b.prices, pricePoint{at: now, price: price})
	m.trimPricesLocked(b, now)

	var oldest float64
	if len(b.prices) > 1 {
		oldest = b.prices[0].price
	}

	var baseline float64
	armed := len(b.spreads) >= minSpreadSamples
	if armed {
		baseline = stat.Mean(b.spreads, nil)
	}
	if spread > 0 {
		b.spreads = append(b.spreads, spread)
		if len(b.spreads) > maxSpreadSamples {
			b.spreads = b.spreads[len(b.spreads)-maxSpreadSamples:]
		}
	}
	m.mu.Unlock()

	if m.svc.suppressed(profileID) {
		return
	}

	if oldest > 0 {
		pct := (price - oldest) / oldest * 100
		if pct <= -m.cfg.FlashCrashPct {
			m.raise(ctx, profileID, domain.TriggerFlashCrash,
				fmt.Sprintf("%s dropped %.2f%% inside %s", symbol, -pct, m.cfg.FlashCrashWindow),
				map[string]interface{}{
					"symbol":     symbol,
					"pct_change": pct,
					"from":       oldest,
					"to":         price,
				})
			return
		}
	}

	if armed && baseline > 0 && spread > 0 {
		ratio := spread / baseline
		if ratio >= m.cfg.SpreadBlowupFactor {
			m.raise(ctx, profileID, domain.TriggerSpreadBlowout,
				fmt.Sprintf("%s spread %.1fx the rolling baseline", symbol, ratio),
				map[string]interface{}{
					"symbol":   symbol,
					"spread":   spread,
					"baseline": baseline,
					"ratio":    ratio,
				})
		}
	}
}

// ObserveBar records one completed bar and evaluates the volatility-spike
// trigger: the current ATR against the mean of the recent ATR series.
func (m *Monitor) ObserveBar(ctx context.Context, profileID, symbol string, high, low, closePrice float64) {
	if high <= 0 || low <= 0 || closePrice <= 0 || high < low {
		return
	}

	m.mu.Lock()
	b := m.bookLocked(profileID, symbol)
	b.highs = append(b.highs, high)
	b.lows = append(b.lows, low)
	b.closes = append(b.closes, closePrice)
	if len(b.closes) > maxBars {
		b.highs = b.highs[len(b.highs)-maxBars:]
		b.lows = b.lows[len(b.lows)-maxBars:]
		b.closes = b.closes[len(b.closes)-maxBars:]
	}
	if len(b.closes) < atrPeriod*2 {
		m.mu.Unlock()
		return
	}
	highs := append([]float64(nil), b.highs...)
	lows := append([]float64(nil), b.lows...)
	closes := append([]float64(nil), b.closes...)
	m.mu.Unlock()

	if m.svc.suppressed(profileID) {
		return
	}

	// The series is zero through the warmup prefix; valid values start at
	// the period index.
	atr := talib.Atr(highs, lows, closes, atrPeriod)
	valid := atr[atrPeriod:]
	current := valid[len(valid)-1]
	baseline := stat.Mean(valid[:len(valid)-1], nil)
	if current <= 0 || baseline <= 0 {
		return
	}

	ratio := current / baseline
	if ratio >= m.cfg.VolSpikeATRFactor {
		m.raise(ctx, profileID, domain.TriggerVolSpike,
			fmt.Sprintf("%s ATR %.1fx the recent mean", symbol, ratio),
			map[string]interface{}{
				"symbol":   symbol,
				"atr":      current,
				"baseline": baseline,
				"ratio":    ratio,
			})
	}
}

// Forget drops every book for a profile. Called when the profile
// disconnects.
func (m *Monitor) Forget(profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := profileID + "|"
	for key := range m.books {
		if strings.HasPrefix(key, prefix) {
			delete(m.books, key)
		}
	}
}

// BookCount reports how many profile-symbol streams are being watched
func (m *Monitor) BookCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.books)
}

func (m *Monitor) bookLocked(profileID, symbol string) *book {
	key := profileID + "|" + symbol
	b, ok := m.books[key]
	if !ok {
		b = &book{}
		m.books[key] = b
	}
	return b
}

func (m *Monitor) trimPricesLocked(b *book, now time.Time) {
	cutoff := now.Add(-m.cfg.FlashCrashWindow)
	drop := 0
	for drop < len(b.prices) && b.prices[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		b.prices = b.prices[drop:]
	}
	if len(b.prices) > maxPricePoints {
		b.prices = b.prices[len(b.prices)-maxPricePoints:]
	}
}

// raise asks the service to activate panic. Losing the race to another
// trigger is fine.
func (m *Monitor) raise(ctx context.Context, profileID string, trigger domain.PanicTrigger, reason string, detail map[string]interface{}) {
	_, err := m.svc.activate(ctx, activation{
		profileID: profileID,
		trigger:   trigger,
		source:    compliance.SourceSystemAuto,
		reason:    reason,
		detail:    detail,
		flatten:   true,
		event:     events.PanicTriggered,
	})
	if err != nil && !errors.Is(err, ErrPanicActive) {
		m.log.Error().Err(err).
			Str("profile_id", profileID).
			Str("trigger", string(trigger)).
			Msg("Panic activation failed")
	}
}
