package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/archonlabs/bastion/internal/clients/sim"
	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/config"
	"github.com/archonlabs/bastion/internal/database"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/modules/signals"
	"github.com/archonlabs/bastion/internal/modules/trading"
	"github.com/archonlabs/bastion/internal/pool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProfileStore struct {
	byID map[string]*domain.Profile
}

func (f *fakeProfileStore) GetByID(id string) (*domain.Profile, error) {
	return f.byID[id], nil
}

type equitySample struct {
	profileID string
	equity    float64
}

type fakeDrawdown struct {
	samples []equitySample
}

func (f *fakeDrawdown) Observe(profile *domain.Profile, equity float64) {
	f.samples = append(f.samples, equitySample{profileID: profile.ID, equity: equity})
}

type priceTick struct {
	profileID string
	symbol    string
	price     float64
	spread    float64
}

type barSample struct {
	profileID string
	symbol    string
	high      float64
	low       float64
	closeP    float64
}

type fakeMonitor struct {
	ticks []priceTick
	bars  []barSample
}

func (f *fakeMonitor) ObservePrice(_ context.Context, profileID, symbol string, price, spread float64) {
	f.ticks = append(f.ticks, priceTick{profileID: profileID, symbol: symbol, price: price, spread: spread})
}

func (f *fakeMonitor) ObserveBar(_ context.Context, profileID, symbol string, high, low, closePrice float64) {
	f.bars = append(f.bars, barSample{profileID: profileID, symbol: symbol, high: high, low: low, closeP: closePrice})
}

type fakeAlerts struct {
	created []domain.Alert
}

func (f *fakeAlerts) Create(a domain.Alert) error {
	f.created = append(f.created, a)
	return nil
}

type reconcileEnv struct {
	mgr       *Manager
	pool      *pool.Pool
	dialer    *sim.Dialer
	clk       *clock.Fixed
	db        *database.DB
	positions *trading.PositionRepository
	history   *trading.HistoryRepository
	snapshots *trading.SnapshotRepository
	decisions *signals.Repository
	profiles  *fakeProfileStore
	drawdown  *fakeDrawdown
	monitor   *fakeMonitor
	alerts    *fakeAlerts
	hub       *events.Hub
}

// newReconcileEnv builds the four reconcilers over a real core database, a
// real pool dialing simulated broker sessions, and fakes for the emergency
// feeds and the alert sink
func newReconcileEnv(t *testing.T) (*reconcileEnv, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_reconcile_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	clk := clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	log := zerolog.Nop()

	dialer := sim.NewDialer(domain.BrokerAccountInfo{Balance: 10000, Equity: 10000, Currency: "USD"})
	p := pool.New(dialer, config.PoolConfig{
		MaxActive:            4,
		IdleTimeout:          10 * time.Minute,
		ReconnectBase:        5 * time.Second,
		ReconnectMax:         time.Minute,
		MaxReconnectAttempts: 2,
	}, clk, log)

	env := &reconcileEnv{
		pool:      p,
		dialer:    dialer,
		clk:       clk,
		db:        db,
		positions: trading.NewPositionRepository(db.Conn(), log),
		history:   trading.NewHistoryRepository(db.Conn(), log),
		snapshots: trading.NewSnapshotRepository(db.Conn(), log),
		decisions: signals.NewRepository(db.Conn(), log),
		profiles: &fakeProfileStore{byID: map[string]*domain.Profile{
			"prof-1": {
				ID:             "prof-1",
				TenantID:       "ten-1",
				Timezone:       "UTC",
				Status:         domain.ProfileActive,
				TradingEnabled: true,
			},
			"prof-2": {
				ID:             "prof-2",
				TenantID:       "ten-1",
				Timezone:       "UTC",
				Status:         domain.ProfileActive,
				TradingEnabled: true,
			},
		}},
		drawdown: &fakeDrawdown{},
		monitor:  &fakeMonitor{},
		alerts:   &fakeAlerts{},
		hub:      events.NewHub(16, log),
	}

	env.mgr = NewManager(Deps{
		Pool:      env.pool,
		Profiles:  env.profiles,
		Positions: env.positions,
		History:   env.history,
		Snapshots: env.snapshots,
		Decisions: env.decisions,
		Drawdown:  env.drawdown,
		Monitor:   env.monitor,
		Alerts:    env.alerts,
		Hub:       env.hub,
		Clock:     clk,
		IDs:       &clock.SeqIDs{},
		Log:       log,
	})

	cleanup := func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	}
	return env, cleanup
}

// connect brings up a live simulated session and returns its backing client
func (env *reconcileEnv) connect(t *testing.T, profileID string) *sim.Client {
	t.Helper()
	_, err := env.pool.Connect(context.Background(), profileID, domain.BrokerCredentials{AccountNumber: profileID})
	require.NoError(t, err)
	return env.dialer.Session(profileID)
}

// seedLocalPosition writes an open mirror row matching nothing until the sim
// is seeded with the same ticket
func seedLocalPosition(t *testing.T, env *reconcileEnv, profileID string, ticket int64, symbol string, price float64) domain.Position {
	t.Helper()
	p := domain.Position{
		OpenedAt:     env.clk.Now().Add(-time.Hour),
		UpdatedAt:    env.clk.Now(),
		ID:           fmt.Sprintf("pos_seed_%d", ticket),
		ProfileID:    profileID,
		Symbol:       symbol,
		Side:         domain.SideBuy,
		Status:       domain.PositionOpen,
		Ticket:       ticket,
		Volume:       0.10,
		OpenPrice:    price,
		CurrentPrice: price,
	}
	require.NoError(t, env.positions.Upsert(p))
	return p
}

// brokerCopy mirrors a local row as the broker would report it
func brokerCopy(p domain.Position) domain.BrokerPosition {
	return domain.BrokerPosition{
		OpenedAt:     p.OpenedAt,
		Symbol:       p.Symbol,
		Side:         string(p.Side),
		Ticket:       p.Ticket,
		Volume:       p.Volume,
		OpenPrice:    p.OpenPrice,
		CurrentPrice: p.CurrentPrice,
		StopLoss:     p.StopLoss,
		TakeProfit:   p.TakeProfit,
		Profit:       p.Profit,
		Swap:         p.Swap,
		Commission:   p.Commission,
	}
}

// drainEvents empties a subscription's outbox
func drainEvents(sub *events.Subscription) []*events.Event {
	var out []*events.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(evs []*events.Event, eventType events.EventType) []*events.Event {
	var out []*events.Event
	for _, ev := range evs {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestWorkerSkipsOverlappingRuns(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	w := newWorker("test_job", clk, zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- w.track(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ran := false
	require.NoError(t, w.track(func() error {
		ran = true
		return nil
	}))
	assert.False(t, ran, "overlapping run should have been skipped")

	close(release)
	require.NoError(t, <-done)

	stats := w.Stats()
	assert.Equal(t, 1, stats.RunCount, "skipped tick must not count as a run")
	assert.Equal(t, 0, stats.ErrorCount)
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	w := newWorker("test_job", clk, zerolog.Nop())

	err := w.track(func() error {
		panic("ticket map corrupted")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ticket map corrupted")

	stats := w.Stats()
	assert.Equal(t, 1, stats.RunCount)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.Contains(t, stats.LastError, "ticket map corrupted")
}

func TestWorkerKeepsLastErrorAcrossSuccesses(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	w := newWorker("test_job", clk, zerolog.Nop())

	require.Error(t, w.track(func() error { return errors.New("bridge timeout") }))
	clk.Advance(time.Second)
	require.NoError(t, w.track(func() error { return nil }))

	stats := w.Stats()
	assert.Equal(t, 2, stats.RunCount)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.Equal(t, "bridge timeout", stats.LastError)
	assert.Equal(t, clk.Now(), stats.LastRunAt)
}

func TestManagerStatsOrderAndCounts(t *testing.T) {
	env, cleanup := newReconcileEnv(t)
	defer cleanup()

	require.NoError(t, env.mgr.Positions().Run())
	require.NoError(t, env.mgr.Accounts().Run())

	stats := env.mgr.Stats()
	require.Len(t, stats, 4)
	assert.Equal(t, "position_reconciliation", stats[0].Name)
	assert.Equal(t, "account_sync", stats[1].Name)
	assert.Equal(t, "connection_health", stats[2].Name)
	assert.Equal(t, "signal_expiration", stats[3].Name)

	assert.Equal(t, 1, stats[0].RunCount)
	assert.Equal(t, 1, stats[1].RunCount)
	assert.Equal(t, 0, stats[2].RunCount)
	assert.Equal(t, 0, stats[3].RunCount)

	for _, s := range stats {
		assert.Equal(t, env.clk.Now(), s.StartedAt)
	}
}
