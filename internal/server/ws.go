package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/modules/profiles"
	"github.com/archonlabs/bastion/internal/modules/tenants"
	"github.com/archonlabs/bastion/internal/modules/trading"
	"github.com/archonlabs/bastion/internal/pool"
)

const (
	wsAuthTimeout  = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// wsClientFrame is a message from the browser or trading client
type wsClientFrame struct {
	Type     string   `json:"type"`
	TenantID string   `json:"tenant_id,omitempty"`
	Events   []string `json:"events,omitempty"`
}

// WSHandler serves the per-profile real-time channel. Event frames fan out
// from the hub; snapshot requests are answered inline from the pool and the
// position store.
type WSHandler struct {
	hub          *events.Hub
	pool         *pool.Pool
	profiles     *profiles.Repository
	tenants      *tenants.Repository
	positions    *trading.PositionRepository
	pingInterval time.Duration
	clk          clock.Clock
	log          zerolog.Logger
}

// NewWSHandler creates a new websocket handler
func NewWSHandler(
	hub *events.Hub,
	p *pool.Pool,
	profileRepo *profiles.Repository,
	tenantRepo *tenants.Repository,
	positions *trading.PositionRepository,
	pingInterval time.Duration,
	clk clock.Clock,
	log zerolog.Logger,
) *WSHandler {
	return &WSHandler{
		hub:          hub,
		pool:         p,
		profiles:     profileRepo,
		tenants:      tenantRepo,
		positions:    positions,
		pingInterval: pingInterval,
		clk:          clk,
		log:          log.With().Str("handler", "ws").Logger(),
	}
}

// HandleWS upgrades the connection and runs the session until the peer
// disconnects or the hub drops the subscription.
// GET /ws/{profileID}
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")

	profile, err := h.profiles.GetByID(profileID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Profile lookup failed")
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Str("profile_id", profileID).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	ctx := r.Context()

	if ok := h.authenticate(ctx, conn, r, profile); !ok {
		conn.Close(websocket.StatusPolicyViolation, "not authorised")
		return
	}

	sub := h.hub.Subscribe(profileID)
	defer sub.Close()

	if err := h.writeFrame(ctx, conn, events.New(events.Connected, profileID, h.clk.Now(), nil)); err != nil {
		return
	}

	h.log.Debug().Str("profile_id", profileID).Msg("Websocket session started")

	// The reader owns inbound frames; the writer pumps the hub outbox.
	// Either side failing tears the session down.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		h.readLoop(ctx, conn, sub, profileID)
	}()

	pings := time.NewTicker(h.pingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case <-pings.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.log.Debug().Str("profile_id", profileID).Msg("Websocket peer not responding")
				return
			}
		case event, open := <-sub.C:
			if !open {
				// The hub evicted us for falling behind
				conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return
			}
			if err := h.writeFrame(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

// authenticate resolves the acting tenant from the token query parameter or
// the first auth frame, then checks ownership of the profile
func (h *WSHandler) authenticate(ctx context.Context, conn *websocket.Conn, r *http.Request, profile *domain.Profile) bool {
	tenantID := r.URL.Query().Get("tenant_id")

	if tenantID == "" {
		authCtx, cancel := context.WithTimeout(ctx, wsAuthTimeout)
		defer cancel()

		var frame wsClientFrame
		if err := wsjson.Read(authCtx, conn, &frame); err != nil {
			return false
		}
		if frame.Type != "auth" || frame.TenantID == "" {
			return false
		}
		tenantID = frame.TenantID
	}

	tenant, err := h.tenants.GetByID(tenantID)
	if err != nil || tenant == nil || tenant.Status == domain.TenantSuspended {
		return false
	}
	if profile.TenantID != tenantID && !tenant.IsAdmin() {
		h.log.Warn().
			Str("tenant_id", tenantID).
			Str("profile_id", profile.ID).
			Msg("Websocket authentication refused")
		return false
	}
	return true
}

// readLoop consumes client frames until the connection drops
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sub *events.Subscription, profileID string) {
	for {
		var frame wsClientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.log.Debug().Err(err).Str("profile_id", profileID).Msg("Websocket read failed")
			}
			return
		}

		switch frame.Type {
		case "ping":
			_ = h.writeFrame(ctx, conn, events.New(events.Pong, profileID, h.clk.Now(), nil))
		case "subscribe":
			filter := make([]events.EventType, 0, len(frame.Events))
			for _, e := range frame.Events {
				filter = append(filter, events.EventType(e))
			}
			sub.SetFilter(filter)
		case "unsubscribe":
			sub.SetFilter(nil)
		case "request_positions":
			h.sendPositions(ctx, conn, profileID)
		case "request_account":
			h.sendAccount(ctx, conn, profileID)
		default:
			_ = h.writeFrame(ctx, conn, events.New(events.ChannelError, profileID, h.clk.Now(),
				map[string]interface{}{"message": "unknown frame type: " + frame.Type}))
		}
	}
}

// sendPositions answers a position snapshot request from the local store
func (h *WSHandler) sendPositions(ctx context.Context, conn *websocket.Conn, profileID string) {
	positions, err := h.positions.GetOpenByProfile(profileID)
	if err != nil {
		h.log.Error().Err(err).Str("profile_id", profileID).Msg("Position snapshot failed")
		_ = h.writeFrame(ctx, conn, events.New(events.ChannelError, profileID, h.clk.Now(),
			map[string]interface{}{"message": "position snapshot failed"}))
		return
	}
	_ = h.writeFrame(ctx, conn, events.New(events.PositionsReply, profileID, h.clk.Now(),
		map[string]interface{}{"positions": positions}))
}

// sendAccount answers an account snapshot request from the live session
func (h *WSHandler) sendAccount(ctx context.Context, conn *websocket.Conn, profileID string) {
	account, ok := h.pool.Account(profileID)
	if !ok {
		_ = h.writeFrame(ctx, conn, events.New(events.ChannelError, profileID, h.clk.Now(),
			map[string]interface{}{"message": "no live session"}))
		return
	}
	_ = h.writeFrame(ctx, conn, events.New(events.AccountReply, profileID, h.clk.Now(),
		map[string]interface{}{"account": account}))
}

// writeFrame writes one event frame under the per-frame deadline
func (h *WSHandler) writeFrame(ctx context.Context, conn *websocket.Conn, event *events.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, event)
}
