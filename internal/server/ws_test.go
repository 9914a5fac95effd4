package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/archonlabs/bastion/internal/clients/sim"
	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/config"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/modules/profiles"
	"github.com/archonlabs/bastion/internal/modules/tenants"
	"github.com/archonlabs/bastion/internal/modules/trading"
	"github.com/archonlabs/bastion/internal/pool"
)

type wsEnv struct {
	srv *httptest.Server
	hub *events.Hub
	clk *clock.Fixed
}

func setupWSEnv(t *testing.T) (*wsEnv, func()) {
	t.Helper()

	db, dbCleanup := setupCoreDB(t)
	clk := clock.NewFixed(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))

	tenantRepo := tenants.NewRepository(db.Conn(), zerolog.Nop())
	profileRepo := profiles.NewRepository(db.Conn(), zerolog.Nop())
	positionRepo := trading.NewPositionRepository(db.Conn(), zerolog.Nop())

	base := clk.Now()
	require.NoError(t, tenantRepo.Create(domain.Tenant{
		ID: "ten-1", Name: "Alice", Email: "alice@example.com",
		Role: domain.RoleOperator, Status: domain.TenantActive,
		CreatedAt: base, UpdatedAt: base,
	}))
	require.NoError(t, profileRepo.Create(domain.Profile{
		ID: "prof-1", TenantID: "ten-1", Name: "Main", Broker: "mt5",
		AccountNumber: "12345", Server: "Demo-1", Timezone: "UTC",
		Status: domain.ProfileActive, GateConfig: domain.DefaultGateConfig(),
		TradingEnabled: true, CreatedAt: base, UpdatedAt: base,
	}))

	hub := events.NewHub(16, zerolog.Nop())
	dialer := sim.NewDialer(domain.BrokerAccountInfo{Balance: 10000, Equity: 10000, Currency: "USD"})
	p := pool.New(dialer, config.PoolConfig{
		MaxActive:            2,
		IdleTimeout:          10 * time.Minute,
		ReconnectBase:        5 * time.Second,
		ReconnectMax:         5 * time.Minute,
		MaxReconnectAttempts: 3,
	}, clk, zerolog.Nop())
	_, err := p.Connect(context.Background(), "prof-1", domain.BrokerCredentials{AccountNumber: "12345"})
	require.NoError(t, err)

	h := NewWSHandler(hub, p, profileRepo, tenantRepo, positionRepo,
		30*time.Second, clk, zerolog.Nop())

	router := chi.NewRouter()
	router.Get("/ws/{profileID}", h.HandleWS)
	srv := httptest.NewServer(router)

	cleanup := func() {
		srv.Close()
		dbCleanup()
	}
	return &wsEnv{srv: srv, hub: hub, clk: clk}, cleanup
}

func (e *wsEnv) dial(ctx context.Context, t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(e.srv.URL, "http", "ws", 1) + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(ctx context.Context, t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	var frame map[string]interface{}
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	return frame
}

func TestWSQueryAuthAndPing(t *testing.T) {
	env, cleanup := setupWSEnv(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, "/ws/prof-1?tenant_id=ten-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := readFrame(ctx, t, conn)
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, "prof-1", frame["profile_id"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))
	frame = readFrame(ctx, t, conn)
	assert.Equal(t, "pong", frame["type"])
}

func TestWSFirstMessageAuth(t *testing.T) {
	env, cleanup := setupWSEnv(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, "/ws/prof-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
		"type": "auth", "tenant_id": "ten-1",
	}))
	frame := readFrame(ctx, t, conn)
	assert.Equal(t, "connected", frame["type"])
}

func TestWSRefusesStrangers(t *testing.T) {
	env, cleanup := setupWSEnv(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, "/ws/prof-1?tenant_id=ten-stranger")

	var frame map[string]interface{}
	err := wsjson.Read(ctx, conn, &frame)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWSAccountSnapshot(t *testing.T) {
	env, cleanup := setupWSEnv(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, "/ws/prof-1?tenant_id=ten-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := readFrame(ctx, t, conn)
	require.Equal(t, "connected", frame["type"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "request_account"}))
	frame = readFrame(ctx, t, conn)
	require.Equal(t, "account", frame["type"])
	account, ok := frame["account"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 10000.0, account["balance"])
}

func TestWSPositionsSnapshot(t *testing.T) {
	env, cleanup := setupWSEnv(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, "/ws/prof-1?tenant_id=ten-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := readFrame(ctx, t, conn)
	require.Equal(t, "connected", frame["type"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "request_positions"}))
	frame = readFrame(ctx, t, conn)
	require.Equal(t, "positions", frame["type"])
}

func TestWSHubFanout(t *testing.T) {
	env, cleanup := setupWSEnv(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, "/ws/prof-1?tenant_id=ten-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := readFrame(ctx, t, conn)
	require.Equal(t, "connected", frame["type"])

	// The subscription registers during the handshake, so the publish
	// below is guaranteed to reach the session
	env.hub.Publish(events.New(events.RiskAlert, "prof-1", env.clk.Now(),
		map[string]interface{}{"severity": "warning"}))

	frame = readFrame(ctx, t, conn)
	assert.Equal(t, "risk_alert", frame["type"])
	assert.Equal(t, "warning", frame["severity"])
}

func TestWSSubscribeFilter(t *testing.T) {
	env, cleanup := setupWSEnv(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, "/ws/prof-1?tenant_id=ten-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := readFrame(ctx, t, conn)
	require.Equal(t, "connected", frame["type"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]interface{}{
		"type": "subscribe", "events": []string{"risk_alert"},
	}))
	// Round-trip a ping so the filter is applied before publishing
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))
	frame = readFrame(ctx, t, conn)
	require.Equal(t, "pong", frame["type"])

	env.hub.Publish(events.New(events.AccountUpdate, "prof-1", env.clk.Now(),
		map[string]interface{}{"balance": 10000.0}))
	env.hub.Publish(events.New(events.RiskAlert, "prof-1", env.clk.Now(),
		map[string]interface{}{"severity": "critical"}))

	// The filtered account_update never arrives; the risk_alert does
	frame = readFrame(ctx, t, conn)
	assert.Equal(t, "risk_alert", frame["type"])
}

func TestWSUnknownProfile(t *testing.T) {
	env, cleanup := setupWSEnv(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(env.srv.URL, "http", "ws", 1) + "/ws/prof-missing?tenant_id=ten-1"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
