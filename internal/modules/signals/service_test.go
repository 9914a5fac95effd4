package signals

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/database"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/modules/compliance"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProfiles struct {
	byID map[string]*domain.Profile
}

func (f *fakeProfiles) GetByID(id string) (*domain.Profile, error) {
	return f.byID[id], nil
}

type fakePositions struct {
	count int
}

func (f *fakePositions) CountOpenByProfile(string) (int, error) {
	return f.count, nil
}

type fakeSnapshots struct {
	snap *domain.AccountSnapshot
}

func (f *fakeSnapshots) Latest(string) (*domain.AccountSnapshot, error) {
	return f.snap, nil
}

type fakePanics struct {
	state *domain.PanicState
}

func (f *fakePanics) PanicFor(string) *domain.PanicState {
	return f.state
}

type fakeConns struct {
	live bool
}

func (f *fakeConns) IsLive(string) bool {
	return f.live
}

type gateEnv struct {
	svc       *Service
	clk       *clock.Fixed
	db        *database.DB
	profiles  *fakeProfiles
	positions *fakePositions
	snapshots *fakeSnapshots
	panics    *fakePanics
	conns     *fakeConns
	hub       *events.Hub
	chains    *compliance.ChainRepository
	limiter   *RateLimiter
	idem      *IdempotencyCache
}

// newGateEnv builds a service over a real audit database and fake state
// providers. The default profile is connected, enabled, and permissive.
func newGateEnv(t *testing.T, perMinute int) (*gateEnv, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_gate_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileAudit,
		Name:    "audit",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	clk := clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	ids := &clock.SeqIDs{}
	log := zerolog.Nop()

	cfg := domain.DefaultGateConfig()
	cfg.MinConfidence = 0.6
	cfg.MaxConcurrentPositions = 5
	cfg.MaxDailySignals = 100
	cfg.MaxDrawdownToTrade = 0.10

	env := &gateEnv{
		clk: clk,
		db:  db,
		profiles: &fakeProfiles{byID: map[string]*domain.Profile{
			"prof-1": {
				ID:             "prof-1",
				TenantID:       "ten-1",
				Timezone:       "UTC",
				Status:         domain.ProfileActive,
				GateConfig:     cfg,
				TradingEnabled: true,
			},
		}},
		positions: &fakePositions{count: 0},
		snapshots: &fakeSnapshots{snap: &domain.AccountSnapshot{
			ProfileID: "prof-1",
			Balance:   10000,
			Equity:    9900,
		}},
		panics:  &fakePanics{},
		conns:   &fakeConns{live: true},
		hub:     events.NewHub(16, log),
		chains:  compliance.NewChainRepository(db.Conn(), log),
		limiter: NewRateLimiter(perMinute, clk, log),
		idem:    NewIdempotencyCache(24*time.Hour, 100, clk, log),
	}

	env.svc = NewService(ServiceDeps{
		AuditDB:     db.Conn(),
		Decisions:   NewRepository(db.Conn(), log),
		Chains:      env.chains,
		Tracker:     compliance.NewTracker(clk, ids, log),
		Gates:       NewGateRegistry(log),
		Limiter:     env.limiter,
		Idempotency: env.idem,
		Profiles:    env.profiles,
		Positions:   env.positions,
		Snapshots:   env.snapshots,
		Panic:       env.panics,
		Connections: env.conns,
		Hub:         env.hub,
		Clock:       clk,
		IDs:         ids,
		Log:         log,
	})

	cleanup := func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	}
	return env, cleanup
}

func gateSignal(key string) domain.Signal {
	return domain.Signal{
		IdempotencyKey: key,
		ProfileID:      "prof-1",
		Symbol:         "EURUSD",
		Direction:      domain.DirectionBuy,
		Confidence:     0.9,
	}
}

func (e *gateEnv) decisionCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow("SELECT COUNT(*) FROM decisions").Scan(&n))
	return n
}

func TestSubmitApprovedHappyPath(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()
	sub := env.hub.Subscribe("prof-1")
	defer sub.Close()

	d, err := env.svc.Submit(gateSignal("key-approve-1"))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, d.Status)
	assert.Equal(t, "All gate checks passed", d.Reason)
	assert.Len(t, d.GateResults, 7)
	assert.True(t, Passed(d.GateResults))
	assert.Len(t, d.DecisionHash, 32)
	assert.NotEmpty(t, d.ChainID)
	assert.Equal(t, domain.SourceStrategy, d.Signal.Source, "source defaults applied")
	assert.Equal(t, domain.PriorityNormal, d.Signal.Priority)

	// Rate window consumed
	assert.Equal(t, 1, env.limiter.GetStatus("prof-1").Current)

	// Decision row persisted
	stored, err := env.svc.GetDecision(d.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, d.DecisionHash, stored.DecisionHash)

	// Chain sealed with root, one node per gate, and a terminal
	chain, err := env.chains.GetByID(d.ChainID)
	require.NoError(t, err)
	require.NotNil(t, chain)
	assert.Equal(t, "executed", chain.Outcome)
	assert.Len(t, chain.Nodes, 9)
	assert.Equal(t, compliance.SignalValidated, chain.Nodes[0].Type)
	assert.Equal(t, compliance.RiskApproved, chain.Nodes[8].Type)
	assert.True(t, chain.Verify().Valid)

	// Outcome announced
	select {
	case ev := <-sub.C:
		assert.Equal(t, events.SignalApproved, ev.Type)
		assert.Equal(t, d.Signal.ID, ev.Data["signal_id"])
	default:
		t.Fatal("expected a signal_approved event")
	}
}

func TestSubmitValidation(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()

	cases := []struct {
		name   string
		mutate func(*domain.Signal)
	}{
		{"missing profile", func(s *domain.Signal) { s.ProfileID = "" }},
		{"key too short", func(s *domain.Signal) { s.IdempotencyKey = "short" }},
		{"key too long", func(s *domain.Signal) {
			long := make([]byte, 65)
			for i := range long {
				long[i] = 'k'
			}
			s.IdempotencyKey = string(long)
		}},
		{"missing symbol", func(s *domain.Signal) { s.Symbol = "  " }},
		{"bad direction", func(s *domain.Signal) { s.Direction = "long" }},
		{"bad source", func(s *domain.Signal) { s.Source = "robot" }},
		{"bad priority", func(s *domain.Signal) { s.Priority = "urgent" }},
		{"confidence above one", func(s *domain.Signal) { s.Confidence = 1.2 }},
		{"negative confidence", func(s *domain.Signal) { s.Confidence = -0.1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := gateSignal("key-validate-1")
			tc.mutate(&sig)

			_, err := env.svc.Submit(sig)

			assert.ErrorIs(t, err, ErrInvalidSignal)
		})
	}

	assert.Zero(t, env.decisionCount(t), "invalid submissions never reach storage")
}

func TestSubmitUnknownProfile(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()

	sig := gateSignal("key-missing-1")
	sig.ProfileID = "prof-ghost"

	_, err := env.svc.Submit(sig)

	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestIdempotentReplayHasNoSideEffects(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()

	first, err := env.svc.Submit(gateSignal("key-replay-1"))
	require.NoError(t, err)
	require.Equal(t, 1, env.limiter.GetStatus("prof-1").Current)

	replay, err := env.svc.Submit(gateSignal("key-replay-1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, first.DecisionHash, replay.DecisionHash)
	assert.Equal(t, first.Signal.ID, replay.Signal.ID)
	assert.Equal(t, 1, env.limiter.GetStatus("prof-1").Current, "replay must not tick the window")
	assert.Equal(t, 1, env.decisionCount(t), "replay must not write a second row")
}

func TestExpiredSignalShortCircuits(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()

	past := env.clk.Now().Add(-time.Minute)
	sig := gateSignal("key-expired-1")
	sig.ValidUntil = &past

	d, err := env.svc.Submit(sig)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, d.Status)
	assert.Empty(t, d.GateResults, "expired signals skip the gate chain")
	assert.Zero(t, env.limiter.GetStatus("prof-1").Current, "expired signals consume no rate budget")

	chain, err := env.chains.GetByID(d.ChainID)
	require.NoError(t, err)
	require.NotNil(t, chain)
	assert.Len(t, chain.Nodes, 1)
	assert.Equal(t, compliance.SignalRejected, chain.Nodes[0].Type)

	replay, err := env.svc.Submit(sig)
	require.NoError(t, err)
	assert.Equal(t, d.ID, replay.ID, "expired outcome is definitive and replayable")
}

func TestRateLimitRejection(t *testing.T) {
	env, cleanup := newGateEnv(t, 2)
	defer cleanup()

	_, err := env.svc.Submit(gateSignal("key-rate-1"))
	require.NoError(t, err)
	_, err = env.svc.Submit(gateSignal("key-rate-2"))
	require.NoError(t, err)

	d, err := env.svc.Submit(gateSignal("key-rate-3"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, d.Status)
	assert.Equal(t, "rate_limit", d.Reason)
	assert.Equal(t, 2, env.limiter.GetStatus("prof-1").Current, "rate rejection does not tick the window")

	// The rejection itself is cached for replay
	replay, err := env.svc.Submit(gateSignal("key-rate-3"))
	require.NoError(t, err)
	assert.Equal(t, d.ID, replay.ID)

	// Critical priority goes through the exhausted window and is counted
	critical := gateSignal("key-rate-critical")
	critical.Priority = domain.PriorityCritical
	cd, err := env.svc.Submit(critical)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, cd.Status)
	assert.Equal(t, uint64(1), env.limiter.CriticalBypasses())
	assert.Equal(t, 3, env.limiter.GetStatus("prof-1").Current)
}

func TestGateRejectionAggregatesReasons(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()
	env.profiles.byID["prof-1"].TradingEnabled = false

	sig := gateSignal("key-gates-1")
	sig.Confidence = 0.2

	d, err := env.svc.Submit(sig)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, d.Status)
	assert.Equal(t, []string{domain.GateTradingEnabled, domain.GateConfidence}, d.FailedGates())
	assert.Contains(t, d.Reason, "trading disabled for profile")
	assert.Contains(t, d.Reason, "confidence 0.20 below minimum 0.60")
	assert.Contains(t, d.Reason, "; ", "reasons are concatenated in chain order")
	assert.Len(t, d.GateResults, 7, "every gate is always evaluated")

	chain, err := env.chains.GetByID(d.ChainID)
	require.NoError(t, err)
	assert.Equal(t, "rejected", chain.Outcome)
	assert.Equal(t, compliance.RiskRejected, chain.Nodes[len(chain.Nodes)-1].Type)
}

func TestPanicStateBlocksSignals(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()
	env.panics.state = &domain.PanicState{
		ProfileID: "prof-1",
		Trigger:   domain.TriggerFlashCrash,
		Active:    true,
	}

	d, err := env.svc.Submit(gateSignal("key-panic-1"))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, d.Status)
	assert.Equal(t, []string{domain.GatePanic}, d.FailedGates())
	assert.Contains(t, d.Reason, "flash_crash")
}

func TestDailyLimitCountsDecisions(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()
	env.profiles.byID["prof-1"].GateConfig.MaxDailySignals = 2

	_, err := env.svc.Submit(gateSignal("key-daily-1"))
	require.NoError(t, err)
	_, err = env.svc.Submit(gateSignal("key-daily-2"))
	require.NoError(t, err)

	d, err := env.svc.Submit(gateSignal("key-daily-3"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, d.Status)
	assert.Equal(t, []string{domain.GateDailyLimit}, d.FailedGates())

	// The civil day rolls over at local midnight, reopening the gate
	env.clk.Advance(13 * time.Hour)
	d2, err := env.svc.Submit(gateSignal("key-daily-4"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, d2.Status)
}

func TestDrawdownGateUsesLatestSnapshot(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()
	env.snapshots.snap = &domain.AccountSnapshot{
		ProfileID: "prof-1",
		Balance:   10000,
		Equity:    8500,
	}

	d, err := env.svc.Submit(gateSignal("key-dd-1"))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, d.Status)
	assert.Equal(t, []string{domain.GateDrawdown}, d.FailedGates())
}

func TestSubmitBatch(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()

	bad := gateSignal("nope")
	results, err := env.svc.SubmitBatch([]domain.Signal{
		gateSignal("key-batch-1"),
		bad,
		gateSignal("key-batch-3"),
	})

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, domain.StatusApproved, results[0].Decision.Status)
	assert.Nil(t, results[1].Decision)
	assert.Contains(t, results[1].Error, "idempotency_key")
	assert.Equal(t, domain.StatusApproved, results[2].Decision.Status, "a failing signal does not block the rest")
}

func TestSubmitBatchSizeLimit(t *testing.T) {
	env, cleanup := newGateEnv(t, 60)
	defer cleanup()

	sigs := make([]domain.Signal, MaxBatchSize+1)
	for i := range sigs {
		sigs[i] = gateSignal("key-over-" + string(rune('a'+i)))
	}

	_, err := env.svc.SubmitBatch(sigs)
	assert.ErrorIs(t, err, ErrInvalidSignal)

	_, err = env.svc.SubmitBatch(nil)
	assert.ErrorIs(t, err, ErrInvalidSignal)
}

func TestPersistFailureIsRetryable(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()

	// Break persistence underneath the pipeline
	_, err := env.db.Exec("DROP TABLE decisions")
	require.NoError(t, err)

	_, err = env.svc.Submit(gateSignal("key-fault-1"))

	assert.ErrorIs(t, err, ErrStoreFailed)
	assert.Zero(t, env.idem.Len(), "failed submissions must not poison the replay cache")
	assert.Zero(t, env.limiter.GetStatus("prof-1").Current, "failed submissions must not consume rate budget")
}

func TestWarmFromStore(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()

	d, err := env.svc.Submit(gateSignal("key-warm-1"))
	require.NoError(t, err)

	// Simulate a restart: fresh cache, same store
	fresh := NewIdempotencyCache(24*time.Hour, 100, env.clk, zerolog.Nop())
	env.svc.idem = fresh
	env.idem = fresh

	warmed, err := env.svc.WarmFromStore(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, warmed)

	replay, err := env.svc.Submit(gateSignal("key-warm-1"))
	require.NoError(t, err)
	assert.Equal(t, d.ID, replay.ID)
	assert.Equal(t, 1, env.decisionCount(t))
}

func TestStats(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()

	_, err := env.svc.Submit(gateSignal("key-stats-1"))
	require.NoError(t, err)

	low := gateSignal("key-stats-2")
	low.Confidence = 0.1
	_, err = env.svc.Submit(low)
	require.NoError(t, err)

	stats, err := env.svc.Stats("prof-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[string(domain.StatusApproved)])
	assert.Equal(t, 1, stats.ByStatus[string(domain.StatusRejected)])
	assert.InDelta(t, 0.5, stats.ApprovalRate, 1e-9)
	assert.Equal(t, 2, stats.RateLimit.Current)
}

func TestReportExecution(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()

	d, err := env.svc.Submit(gateSignal("key-exec-1"))
	require.NoError(t, err)

	env.clk.Advance(time.Second)
	require.NoError(t, env.svc.ReportExecution(d.ID, true, ""))

	stored, err := env.svc.GetDecision(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, stored.Status)
	require.NotNil(t, stored.ExecutedAt)

	// Executed decisions cannot transition again
	err = env.svc.ReportExecution(d.ID, false, "late failure")
	assert.Error(t, err)
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()

	first, err := env.svc.Submit(gateSignal("key-recent-1"))
	require.NoError(t, err)
	env.clk.Advance(time.Second)
	second, err := env.svc.Submit(gateSignal("key-recent-2"))
	require.NoError(t, err)

	recent, err := env.svc.Recent("prof-1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID)
	assert.Equal(t, first.ID, recent[1].ID)
}

func TestSubmitStoreFailedWraps(t *testing.T) {
	env, cleanup := newGateEnv(t, 10)
	defer cleanup()
	require.NoError(t, env.db.Close())

	_, err := env.svc.Submit(gateSignal("key-closed-1"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreFailed))
}
