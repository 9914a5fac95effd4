package emergency

import (
	"testing"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawdownTracksPeakAndLevel(t *testing.T) {
	env, cleanup := newEmergencyEnv(t, nil)
	defer cleanup()
	dd := env.svc.Drawdown()
	p := env.profiles.byID["prof-1"]

	dd.Observe(p, 10000)
	st := dd.StatusFor("prof-1")
	require.NotNil(t, st)
	assert.Equal(t, 10000.0, st.PeakEquity)
	assert.Equal(t, DrawdownNormal, st.Level)
	assert.Zero(t, st.Drawdown)

	dd.Observe(p, 10500)
	assert.Equal(t, 10500.0, dd.StatusFor("prof-1").PeakEquity, "peak ratchets up")

	dd.Observe(p, 10185)
	st = dd.StatusFor("prof-1")
	assert.Equal(t, DrawdownCaution, st.Level)
	assert.InDelta(t, 0.03, st.Drawdown, 1e-9)
}

func TestDrawdownWarningsFireOncePerLevel(t *testing.T) {
	env, cleanup := newEmergencyEnv(t, nil)
	defer cleanup()
	dd := env.svc.Drawdown()
	p := env.profiles.byID["prof-1"]

	dd.Observe(p, 10000)
	env.clk.Advance(time.Second)
	dd.Observe(p, 9650) // 3.5% off peak: caution
	env.clk.Advance(time.Second)
	dd.Observe(p, 9600) // still caution, no repeat
	env.clk.Advance(time.Second)
	dd.Observe(p, 9450) // 5.5% off peak: reduce

	recorded, err := env.eventLog.ListRecent(string(events.DrawdownWarning), 10)
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, "reduce", recorded[0].Payload["level"])
	assert.Equal(t, "caution", recorded[1].Payload["level"])

	require.Len(t, env.alerts.created, 2)
	assert.Equal(t, "drawdown_warning", env.alerts.created[0].Kind)
	assert.Equal(t, domain.AlertWarning, env.alerts.created[0].Severity)
}

func TestDrawdownHaltRaisesPanicWithoutFlatten(t *testing.T) {
	env, cleanup := newEmergencyEnv(t, nil)
	defer cleanup()
	dd := env.svc.Drawdown()
	p := env.profiles.byID["prof-1"]

	dd.Observe(p, 10000)
	env.clk.Advance(time.Second)
	dd.Observe(p, 8400) // 16% past the 15% profile limit

	st := env.svc.PanicFor("prof-1")
	require.NotNil(t, st)
	assert.Equal(t, domain.TriggerDrawdown, st.Trigger)
	assert.Equal(t, 0, env.sessions.broker.closeCalls, "drawdown halt keeps positions open")

	recorded, err := env.eventLog.ListRecent(string(events.DrawdownHalt), 10)
	require.NoError(t, err)
	assert.Len(t, recorded, 1)

	require.Len(t, env.alerts.created, 1)
	assert.Equal(t, "drawdown_halt", env.alerts.created[0].Kind)
	assert.Equal(t, domain.AlertCritical, env.alerts.created[0].Severity)
}

func TestDrawdownHaltFiresOnEdgeOnly(t *testing.T) {
	env, cleanup := newEmergencyEnv(t, nil)
	defer cleanup()
	dd := env.svc.Drawdown()
	p := env.profiles.byID["prof-1"]

	dd.Observe(p, 10000)
	env.clk.Advance(time.Second)
	dd.Observe(p, 8400)
	env.clk.Advance(time.Second)
	dd.Observe(p, 8300) // deeper, but already latched

	recorded, err := env.eventLog.ListRecent(string(events.DrawdownHalt), 10)
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
}

func TestDrawdownRecoveryGatesReset(t *testing.T) {
	env, cleanup := newEmergencyEnv(t, nil)
	defer cleanup()
	dd := env.svc.Drawdown()
	p := env.profiles.byID["prof-1"]

	dd.Observe(p, 10000)
	env.clk.Advance(time.Second)
	dd.Observe(p, 8400)
	require.NotNil(t, env.svc.PanicFor("prof-1"))

	env.clk.Advance(31 * time.Minute)
	assert.ErrorIs(t, env.svc.Reset("prof-1", "admin-1", false), ErrDrawdownNotRecovered)

	// 13.5% is inside the 15% - 2% buffer, still latched
	dd.Observe(p, 8650)
	assert.False(t, dd.Recovered("prof-1"))
	assert.ErrorIs(t, env.svc.Reset("prof-1", "admin-1", false), ErrDrawdownNotRecovered)

	// 12.5% clears the buffer
	dd.Observe(p, 8750)
	assert.True(t, dd.Recovered("prof-1"))
	require.NoError(t, env.svc.Reset("prof-1", "admin-1", false))
	assert.Nil(t, env.svc.PanicFor("prof-1"))
}

func TestDrawdownForceResetReanchorsPeak(t *testing.T) {
	env, cleanup := newEmergencyEnv(t, nil)
	defer cleanup()
	dd := env.svc.Drawdown()
	p := env.profiles.byID["prof-1"]

	dd.Observe(p, 10000)
	env.clk.Advance(time.Second)
	dd.Observe(p, 8400)
	require.NotNil(t, env.svc.PanicFor("prof-1"))

	require.NoError(t, env.svc.Reset("prof-1", "admin-1", true))

	st := dd.StatusFor("prof-1")
	assert.Equal(t, 8400.0, st.PeakEquity, "peak re-anchored at current equity")
	assert.Equal(t, DrawdownNormal, st.Level)
	assert.True(t, dd.Recovered("prof-1"))

	// The next sample measures against the fresh peak instead of instantly
	// re-halting against the old one
	env.clk.Advance(time.Second)
	dd.Observe(p, 8300)
	assert.Nil(t, env.svc.PanicFor("prof-1"))
}

func TestDrawdownUsesProfileHaltThreshold(t *testing.T) {
	env, cleanup := newEmergencyEnv(t, nil)
	defer cleanup()
	dd := env.svc.Drawdown()
	p := env.profiles.byID["prof-1"]
	p.GateConfig.MaxDrawdownToTrade = 0.08

	dd.Observe(p, 10000)
	env.clk.Advance(time.Second)
	dd.Observe(p, 9100) // 9% past the tightened 8% limit

	st := env.svc.PanicFor("prof-1")
	require.NotNil(t, st)
	assert.Equal(t, domain.TriggerDrawdown, st.Trigger)
}

func TestDrawdownForget(t *testing.T) {
	env, cleanup := newEmergencyEnv(t, nil)
	defer cleanup()
	dd := env.svc.Drawdown()

	dd.Observe(env.profiles.byID["prof-1"], 10000)
	assert.Equal(t, 1, dd.AccountCount())

	dd.Forget("prof-1")
	assert.Equal(t, 0, dd.AccountCount())
	assert.Nil(t, dd.StatusFor("prof-1"))
}
