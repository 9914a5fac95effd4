// Package reconcile holds the background workers that keep the control
// plane's view of the world honest: the position mirror against the broker,
// cached account state, session health, and the decision validity sweep.
// Every worker runs single-flight on a scheduler tick and folds its outcome
// into per-worker run statistics.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/pool"
	"github.com/rs/zerolog"
)

// PoolInterface is the slice of the session pool the reconcilers drive
type PoolInterface interface {
	All() []pool.Session
	Get(profileID string) (*pool.Session, bool)
	GetStats() pool.Stats
	Client(profileID string) (domain.BrokerClient, error)
	Heartbeat(profileID string, info *domain.BrokerAccountInfo)
	MarkDegraded(profileID string, cause error)
	Degraded() []string
	Reconnect(ctx context.Context, profileID string) error
	EvictIdle(ctx context.Context) []string
}

// ProfileStoreInterface resolves profiles for alert tenancy and drawdown
// thresholds
type ProfileStoreInterface interface {
	GetByID(id string) (*domain.Profile, error)
}

// PositionStoreInterface is the open-position mirror
type PositionStoreInterface interface {
	GetOpenByProfile(profileID string) ([]domain.Position, error)
	Upsert(p domain.Position) error
	MarkClosed(profileID string, ticket int64, now time.Time) error
}

// HistoryStoreInterface archives positions that closed at the broker
type HistoryStoreInterface interface {
	Create(tr domain.TradeRecord) error
}

// SnapshotStoreInterface persists account state samples
type SnapshotStoreInterface interface {
	Create(s domain.AccountSnapshot) error
}

// DecisionStoreInterface is the slice of the decision log the expiration
// sweep needs
type DecisionStoreInterface interface {
	ListExpirable(now time.Time) ([]domain.Decision, error)
	MarkExpired(id string) error
}

// DrawdownInterface receives equity samples from the account sync
type DrawdownInterface interface {
	Observe(profile *domain.Profile, equity float64)
}

// MonitorInterface receives price ticks and completed bars for the panic
// triggers
type MonitorInterface interface {
	ObservePrice(ctx context.Context, profileID, symbol string, price, spread float64)
	ObserveBar(ctx context.Context, profileID, symbol string, high, low, closePrice float64)
}

// AlertSinkInterface stores operator alerts
type AlertSinkInterface interface {
	Create(a domain.Alert) error
}

// Deps carries everything the reconcilers draw on. Each reconciler takes the
// subset it needs.
type Deps struct {
	Pool      PoolInterface
	Profiles  ProfileStoreInterface
	Positions PositionStoreInterface
	History   HistoryStoreInterface
	Snapshots SnapshotStoreInterface
	Decisions DecisionStoreInterface
	Drawdown  DrawdownInterface
	Monitor   MonitorInterface
	Alerts    AlertSinkInterface
	Hub       *events.Hub
	Clock     clock.Clock
	IDs       clock.Minter
	Log       zerolog.Logger
}

// Manager owns the four reconcilers and aggregates their run statistics for
// the workers endpoint. The scheduler drives each reconciler through its
// Run/Name methods.
type Manager struct {
	positions  *PositionsReconciler
	accounts   *AccountsReconciler
	health     *HealthReconciler
	expiration *ExpirationReconciler
}

// NewManager builds all four reconcilers over a shared dependency set
func NewManager(deps Deps) *Manager {
	return &Manager{
		positions:  NewPositionsReconciler(deps),
		accounts:   NewAccountsReconciler(deps),
		health:     NewHealthReconciler(deps),
		expiration: NewExpirationReconciler(deps),
	}
}

// Positions returns the position mirror reconciler
func (m *Manager) Positions() *PositionsReconciler { return m.positions }

// Accounts returns the account sync reconciler
func (m *Manager) Accounts() *AccountsReconciler { return m.accounts }

// Health returns the connection health reconciler
func (m *Manager) Health() *HealthReconciler { return m.health }

// Expiration returns the decision expiration reconciler
func (m *Manager) Expiration() *ExpirationReconciler { return m.expiration }

// Stats reports run counters for every reconciler
func (m *Manager) Stats() []WorkerStats {
	return []WorkerStats{
		m.positions.worker.Stats(),
		m.accounts.worker.Stats(),
		m.health.worker.Stats(),
		m.expiration.worker.Stats(),
	}
}

// liveProfiles lists profiles with a usable broker session, sorted so passes
// visit them in a stable order
func liveProfiles(p PoolInterface) []string {
	var out []string
	for _, s := range p.All() {
		if s.State == pool.StateLive {
			out = append(out, s.ProfileID)
		}
	}
	sort.Strings(out)
	return out
}
