// Package pool manages broker sessions for all connected profiles. It owns
// the global concurrency cap, per-session state transitions, reconnect
// backoff, and idle eviction. The pool knows nothing about the event hub;
// interested parties register callbacks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/config"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// Session state machine: idle -> connecting -> live -> (degraded|closing) -> closed.
// Degraded sessions re-enter live via reconnect or end up closed after the
// attempt budget runs out.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateDegraded   State = "degraded"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Pool errors
var (
	ErrPoolFull         = errors.New("connection pool is full")
	ErrAlreadyConnected = errors.New("profile already connected")
	ErrSessionNotFound  = errors.New("no session for profile")
	ErrSessionNotLive   = errors.New("session is not live")
	ErrRetryNotDue      = errors.New("reconnect backoff still running")
)

// Callbacks let other components observe pool transitions without the pool
// depending on them
type Callbacks struct {
	OnConnect       func(profileID string, info *domain.BrokerAccountInfo)
	OnDisconnect    func(profileID, reason string)
	OnAccountUpdate func(profileID string, info *domain.BrokerAccountInfo)
}

// Session is a read-only snapshot of one profile's broker session
type Session struct {
	ConnectedAt       time.Time                 `json:"connected_at"`
	LastHeartbeat     time.Time                 `json:"last_heartbeat"`
	NextRetryAt       time.Time                 `json:"next_retry_at,omitempty"`
	Account           *domain.BrokerAccountInfo `json:"account,omitempty"`
	ProfileID         string                    `json:"profile_id"`
	State             State                     `json:"state"`
	LastError         string                    `json:"last_error,omitempty"`
	ReconnectAttempts int                       `json:"reconnect_attempts"`
}

// session is the internal mutable record behind a Session snapshot
type session struct {
	client            domain.BrokerClient
	creds             domain.BrokerCredentials
	account           *domain.BrokerAccountInfo
	connectedAt       time.Time
	lastHeartbeat     time.Time
	nextRetryAt       time.Time
	profileID         string
	lastError         string
	state             State
	reconnectAttempts int
}

// Stats summarizes pool occupancy
type Stats struct {
	Sessions []Session `json:"sessions"`
	Capacity int       `json:"capacity"`
	Active   int       `json:"active"`
	Live     int       `json:"live"`
	Degraded int       `json:"degraded"`
}

// Pool manages all broker sessions
type Pool struct {
	dialer    domain.BrokerDialer
	cfg       config.PoolConfig
	clk       clock.Clock
	log       zerolog.Logger
	callbacks Callbacks

	sessions map[string]*session
	mu       sync.RWMutex
}

// New creates a connection pool
func New(dialer domain.BrokerDialer, cfg config.PoolConfig, clk clock.Clock, log zerolog.Logger) *Pool {
	return &Pool{
		dialer:   dialer,
		cfg:      cfg,
		clk:      clk,
		sessions: make(map[string]*session),
		log:      log.With().Str("component", "pool").Logger(),
	}
}

// SetCallbacks registers transition observers. Call before the pool sees
// traffic; callbacks are invoked without the pool lock held.
func (p *Pool) SetCallbacks(cb Callbacks) {
	p.callbacks = cb
}

// Connect opens a broker session for a profile. Fails with ErrPoolFull when
// the global cap is reached and ErrAlreadyConnected when a session already
// exists in a non-closed state.
func (p *Pool) Connect(ctx context.Context, profileID string, creds domain.BrokerCredentials) (*Session, error) {
	p.mu.Lock()
	if existing, ok := p.sessions[profileID]; ok {
		switch existing.state {
		case StateClosed, StateIdle:
			// Stale record, fall through and replace it
		default:
			p.mu.Unlock()
			return nil, ErrAlreadyConnected
		}
	}

	if p.activeLocked() >= p.cfg.MaxActive {
		p.mu.Unlock()
		p.log.Warn().
			Str("profile_id", profileID).
			Int("capacity", p.cfg.MaxActive).
			Msg("Connection rejected, pool is full")
		return nil, ErrPoolFull
	}

	s := &session{
		profileID: profileID,
		client:    p.dialer.Dial(profileID),
		creds:     creds,
		state:     StateConnecting,
	}
	p.sessions[profileID] = s
	p.mu.Unlock()

	info, err := s.client.Connect(ctx, creds)
	if err != nil {
		p.mu.Lock()
		s.state = StateClosed
		s.lastError = err.Error()
		p.mu.Unlock()

		if errors.Is(err, domain.ErrBrokerRefused) {
			p.log.Warn().Err(err).Str("profile_id", profileID).Msg("Broker refused credentials")
			return nil, err
		}
		return nil, fmt.Errorf("failed to connect profile %s: %w", profileID, err)
	}

	now := p.clk.Now()
	p.mu.Lock()
	s.state = StateLive
	s.account = info
	s.connectedAt = now
	s.lastHeartbeat = now
	s.reconnectAttempts = 0
	s.lastError = ""
	snapshot := s.snapshot()
	p.mu.Unlock()

	p.log.Info().
		Str("profile_id", profileID).
		Float64("balance", info.Balance).
		Float64("equity", info.Equity).
		Msg("Broker session live")

	if p.callbacks.OnConnect != nil {
		p.callbacks.OnConnect(profileID, info)
	}
	return &snapshot, nil
}

// Disconnect closes a profile's session and frees its slot. Disconnecting a
// profile with no session, or one already closed, is a no-op.
func (p *Pool) Disconnect(ctx context.Context, profileID, reason string) error {
	p.mu.Lock()
	s, ok := p.sessions[profileID]
	if !ok || s.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	client := s.client
	p.mu.Unlock()

	if err := client.Disconnect(ctx); err != nil {
		p.log.Warn().Err(err).Str("profile_id", profileID).Msg("Broker disconnect reported error")
	}

	p.mu.Lock()
	s.state = StateClosed
	p.mu.Unlock()

	p.log.Info().Str("profile_id", profileID).Str("reason", reason).Msg("Broker session closed")

	if p.callbacks.OnDisconnect != nil {
		p.callbacks.OnDisconnect(profileID, reason)
	}
	return nil
}

// Get returns a snapshot of one profile's session
func (p *Pool) Get(profileID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[profileID]
	if !ok {
		return nil, false
	}
	snap := s.snapshot()
	return &snap, true
}

// IsLive reports whether a profile has a usable broker session
func (p *Pool) IsLive(profileID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[profileID]
	return ok && s.state == StateLive
}

// Client returns the broker client for a live or degraded session.
// Reconcilers use this to poll; emergency flows use it to flatten.
func (p *Pool) Client(profileID string) (domain.BrokerClient, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[profileID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.state != StateLive && s.state != StateDegraded {
		return nil, ErrSessionNotLive
	}
	return s.client, nil
}

// Heartbeat records a successful broker poll and refreshes the cached
// account state. Fires OnAccountUpdate. Heartbeats also defer idle eviction,
// so a handle that keeps answering account polls is never evicted.
func (p *Pool) Heartbeat(profileID string, info *domain.BrokerAccountInfo) {
	p.mu.Lock()
	s, ok := p.sessions[profileID]
	if !ok {
		p.mu.Unlock()
		return
	}
	s.lastHeartbeat = p.clk.Now()
	s.account = info
	p.mu.Unlock()

	if p.callbacks.OnAccountUpdate != nil && info != nil {
		p.callbacks.OnAccountUpdate(profileID, info)
	}
}

// Account returns the cached account state from the last successful poll
func (p *Pool) Account(profileID string) (*domain.BrokerAccountInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[profileID]
	if !ok || s.account == nil {
		return nil, false
	}
	info := *s.account
	return &info, true
}

// MarkDegraded transitions a live session to degraded after a broker error
// and schedules the first reconnect attempt
func (p *Pool) MarkDegraded(profileID string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[profileID]
	if !ok || s.state != StateLive {
		return
	}
	s.state = StateDegraded
	s.reconnectAttempts = 0
	s.nextRetryAt = p.clk.Now().Add(p.backoffDelay(1))
	if cause != nil {
		s.lastError = cause.Error()
	}

	p.log.Warn().
		Str("profile_id", profileID).
		Err(cause).
		Time("next_retry_at", s.nextRetryAt).
		Msg("Session degraded")
}

// Degraded returns profile IDs currently in the degraded state
func (p *Pool) Degraded() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for id, s := range p.sessions {
		if s.state == StateDegraded {
			out = append(out, id)
		}
	}
	return out
}

// Reconnect attempts to restore a degraded session. Returns ErrRetryNotDue
// while the backoff window is still running. After MaxReconnectAttempts
// failures the session closes and OnDisconnect fires with reason
// "reconnect attempts exhausted".
func (p *Pool) Reconnect(ctx context.Context, profileID string) error {
	p.mu.Lock()
	s, ok := p.sessions[profileID]
	if !ok {
		p.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.state != StateDegraded {
		p.mu.Unlock()
		return ErrSessionNotLive
	}

	now := p.clk.Now()
	if now.Before(s.nextRetryAt) {
		p.mu.Unlock()
		return ErrRetryNotDue
	}

	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	creds := s.creds
	oldClient := s.client
	p.mu.Unlock()

	p.log.Info().
		Str("profile_id", profileID).
		Int("attempt", attempt).
		Msg("Attempting session reconnect")

	// Tear down the dead transport before dialing fresh
	_ = oldClient.Disconnect(ctx)

	client := p.dialer.Dial(profileID)
	info, err := client.Connect(ctx, creds)
	if err != nil {
		p.mu.Lock()
		s.lastError = err.Error()
		if s.reconnectAttempts >= p.cfg.MaxReconnectAttempts {
			s.state = StateClosed
			p.mu.Unlock()

			p.log.Error().
				Str("profile_id", profileID).
				Int("attempts", attempt).
				Msg("Reconnect attempts exhausted, closing session")

			if p.callbacks.OnDisconnect != nil {
				p.callbacks.OnDisconnect(profileID, "reconnect attempts exhausted")
			}
			return fmt.Errorf("reconnect attempts exhausted for %s: %w", profileID, err)
		}
		s.nextRetryAt = p.clk.Now().Add(p.backoffDelay(s.reconnectAttempts + 1))
		p.mu.Unlock()
		return fmt.Errorf("reconnect attempt %d failed for %s: %w", attempt, profileID, err)
	}

	now = p.clk.Now()
	p.mu.Lock()
	s.client = client
	s.state = StateLive
	s.account = info
	s.connectedAt = now
	s.lastHeartbeat = now
	s.reconnectAttempts = 0
	s.nextRetryAt = time.Time{}
	s.lastError = ""
	p.mu.Unlock()

	p.log.Info().
		Str("profile_id", profileID).
		Int("attempt", attempt).
		Msg("Session reconnected")

	if p.callbacks.OnConnect != nil {
		p.callbacks.OnConnect(profileID, info)
	}
	return nil
}

// EvictIdle disconnects live sessions whose heartbeat has gone stale past the
// idle timeout. Returns the evicted profile IDs.
func (p *Pool) EvictIdle(ctx context.Context) []string {
	if p.cfg.IdleTimeout <= 0 {
		return nil
	}

	now := p.clk.Now()
	p.mu.RLock()
	var idle []string
	for id, s := range p.sessions {
		if s.state == StateLive && now.Sub(s.lastHeartbeat) > p.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range idle {
		p.log.Info().Str("profile_id", id).Msg("Evicting idle session")
		if err := p.Disconnect(ctx, id, "idle timeout"); err != nil {
			p.log.Warn().Err(err).Str("profile_id", id).Msg("Idle eviction failed")
		}
	}
	return idle
}

// All returns snapshots of every handle the pool knows about, including
// closed ones not yet replaced. Admin and reconciler consumption.
func (p *Pool) All() []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// GetStats returns pool occupancy and per-session snapshots
func (p *Pool) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{Capacity: p.cfg.MaxActive}
	for _, s := range p.sessions {
		switch s.state {
		case StateLive:
			stats.Live++
		case StateDegraded:
			stats.Degraded++
		case StateClosed, StateIdle:
			continue
		}
		stats.Sessions = append(stats.Sessions, s.snapshot())
	}
	stats.Active = p.activeLocked()
	return stats
}

// Shutdown closes every session, used during graceful stop
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.RLock()
	var ids []string
	for id, s := range p.sessions {
		if s.state != StateClosed {
			ids = append(ids, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range ids {
		if err := p.Disconnect(ctx, id, "shutdown"); err != nil {
			p.log.Warn().Err(err).Str("profile_id", id).Msg("Session close during shutdown failed")
		}
	}
}

// activeLocked counts sessions holding a pool slot. Callers must hold p.mu.
func (p *Pool) activeLocked() int {
	active := 0
	for _, s := range p.sessions {
		switch s.state {
		case StateConnecting, StateLive, StateDegraded, StateClosing:
			active++
		}
	}
	return active
}

// backoffDelay computes the exponential backoff before reconnect attempt n,
// with jitter so simultaneous failures do not reconnect in lockstep
func (p *Pool) backoffDelay(attempt int) time.Duration {
	delay := float64(p.cfg.ReconnectBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.cfg.ReconnectMax) {
		delay = float64(p.cfg.ReconnectMax)
	}
	delay += rand.Float64() * 0.25 * delay
	if delay > float64(p.cfg.ReconnectMax) {
		delay = float64(p.cfg.ReconnectMax)
	}
	return time.Duration(delay)
}

// snapshot copies session state for external consumers. Callers must hold p.mu.
func (s *session) snapshot() Session {
	snap := Session{
		ProfileID:         s.profileID,
		State:             s.state,
		ConnectedAt:       s.connectedAt,
		LastHeartbeat:     s.lastHeartbeat,
		NextRetryAt:       s.nextRetryAt,
		LastError:         s.lastError,
		ReconnectAttempts: s.reconnectAttempts,
	}
	if s.account != nil {
		info := *s.account
		snap.Account = &info
	}
	return snap
}
