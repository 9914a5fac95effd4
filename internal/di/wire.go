package di

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/archonlabs/bastion/internal/clients/mtbridge"
	"github.com/archonlabs/bastion/internal/clients/sim"
	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/config"
	"github.com/archonlabs/bastion/internal/database"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/modules/admin"
	"github.com/archonlabs/bastion/internal/modules/compliance"
	"github.com/archonlabs/bastion/internal/modules/emergency"
	"github.com/archonlabs/bastion/internal/modules/profiles"
	"github.com/archonlabs/bastion/internal/modules/signals"
	"github.com/archonlabs/bastion/internal/modules/tenants"
	"github.com/archonlabs/bastion/internal/modules/trading"
	"github.com/archonlabs/bastion/internal/pool"
	"github.com/archonlabs/bastion/internal/reconcile"
	"github.com/archonlabs/bastion/internal/reliability"
	"github.com/archonlabs/bastion/internal/scheduler"
	"github.com/rs/zerolog"
)

// Container holds every long-lived component of the control plane
type Container struct {
	Cfg *config.Config
	Log zerolog.Logger

	// Databases
	CoreDB    *database.DB
	AuditDB   *database.DB
	CacheDB   *database.DB
	Databases map[string]*database.DB

	// Capabilities
	Clock clock.Clock
	IDs   clock.Minter

	// Infrastructure
	Hub  *events.Hub
	Pool *pool.Pool

	// Repositories
	Tenants   *tenants.Repository
	Profiles  *profiles.Repository
	Positions *trading.PositionRepository
	History   *trading.HistoryRepository
	Snapshots *trading.SnapshotRepository
	Decisions *signals.Repository
	Chains    *compliance.ChainRepository
	Events    *compliance.EventRepository
	Alerts    *admin.AlertRepository

	// Services
	Tracker     *compliance.Tracker
	Idempotency *signals.IdempotencyCache
	Signals     *signals.Service
	Emergency   *emergency.Service
	Admin       *admin.Service
	Packager    *compliance.Packager

	// Background machinery
	Reconcile *reconcile.Manager
	Scheduler *scheduler.Scheduler
	Store     *reliability.ObjectStore
	Backups   *reliability.BackupService
}

// Wire builds the full container. On error, everything opened so far is
// closed before returning.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{
		Cfg:   cfg,
		Log:   log,
		Clock: clock.System{},
		IDs:   clock.IDs{},
	}

	if err := InitializeDatabases(cfg, log, c); err != nil {
		return nil, err
	}

	c.wireRepositories(log)

	if err := c.wireInfrastructure(cfg, log); err != nil {
		c.CloseDatabases()
		return nil, err
	}

	c.wireServices(cfg, log)

	if err := c.wireJobs(cfg, log); err != nil {
		c.CloseDatabases()
		return nil, err
	}

	log.Info().Msg("Container wired")
	return c, nil
}

// wireRepositories builds the persistence layer over the three databases
func (c *Container) wireRepositories(log zerolog.Logger) {
	core := c.CoreDB.Conn()
	audit := c.AuditDB.Conn()

	c.Tenants = tenants.NewRepository(core, log)
	c.Profiles = profiles.NewRepository(core, log)
	c.Positions = trading.NewPositionRepository(core, log)
	c.History = trading.NewHistoryRepository(core, log)
	c.Snapshots = trading.NewSnapshotRepository(core, log)
	c.Alerts = admin.NewAlertRepository(core, log)

	c.Decisions = signals.NewRepository(audit, log)
	c.Chains = compliance.NewChainRepository(audit, log)
	c.Events = compliance.NewEventRepository(audit, log)
}

// wireInfrastructure builds the hub, the broker pool, and the object store
func (c *Container) wireInfrastructure(cfg *config.Config, log zerolog.Logger) error {
	c.Hub = events.NewHub(cfg.Hub.SubscriberQueueSize, log)

	var dialer domain.BrokerDialer
	if cfg.DevMode {
		log.Warn().Msg("Dev mode: broker sessions are simulated")
		dialer = sim.NewDialer(domain.BrokerAccountInfo{
			Currency: "USD",
			Balance:  100000,
			Equity:   100000,
			Leverage: 100,
		})
	} else {
		if cfg.BridgeURL == "" {
			return fmt.Errorf("BRIDGE_URL is required outside dev mode")
		}
		dialer = &mtbridge.Dialer{URL: cfg.BridgeURL, Log: log}
	}
	c.Pool = pool.New(dialer, cfg.Pool, c.Clock, log)

	store, err := reliability.NewObjectStore(cfg.ObjectStore, log)
	if err != nil {
		return err
	}
	if store == nil {
		log.Info().Msg("Object store not configured; backups stay local")
	}
	c.Store = store
	return nil
}

// wireServices builds the domain services in dependency order
func (c *Container) wireServices(cfg *config.Config, log zerolog.Logger) {
	c.Tracker = compliance.NewTracker(c.Clock, c.IDs, log)

	c.Emergency = emergency.NewService(emergency.ServiceDeps{
		Profiles: c.Profiles,
		Sessions: c.Pool,
		Alerts:   c.Alerts,
		Events:   c.Events,
		Chains:   c.Chains,
		Tracker:  c.Tracker,
		Hub:      c.Hub,
		Cfg:      cfg.Emergency,
		Clock:    c.Clock,
		IDs:      c.IDs,
		Log:      log,
	})

	c.Idempotency = signals.NewIdempotencyCache(
		cfg.Ingress.IdempotencyTTL, cfg.Ingress.IdempotencyCapacity, c.Clock, log)

	c.Signals = signals.NewService(signals.ServiceDeps{
		AuditDB:         c.AuditDB.Conn(),
		Decisions:       c.Decisions,
		Chains:          c.Chains,
		Tracker:         c.Tracker,
		Gates:           signals.NewGateRegistry(log),
		Limiter:         signals.NewRateLimiter(cfg.Ingress.RateLimitPerMinute, c.Clock, log),
		Idempotency:     c.Idempotency,
		Profiles:        c.Profiles,
		Positions:       c.Positions,
		Snapshots:       c.Snapshots,
		Panic:           c.Emergency,
		Connections:     c.Pool,
		Hub:             c.Hub,
		Clock:           c.Clock,
		IDs:             c.IDs,
		Log:             log,
		DefaultLocation: cfg.Location(),
	})

	c.Packager = compliance.NewPackager(compliance.PackagerDeps{
		Chains:    c.Chains,
		Events:    c.Events,
		Decisions: c.Decisions,
		Trades:    c.History,
		Alerts:    c.Alerts,
		Clock:     c.Clock,
		IDs:       c.IDs,
		Log:       log,
	})

	c.Admin = admin.NewService(admin.Deps{
		Tenants:   c.Tenants,
		Profiles:  c.Profiles,
		Positions: c.Positions,
		Snapshots: c.Snapshots,
		Pool:      c.Pool,
		Hub:       c.Hub,
		Panics:    c.Emergency,
		Alerts:    c.Alerts,
		Clock:     c.Clock,
		IDs:       c.IDs,
		Log:       log,
	})

	c.Reconcile = reconcile.NewManager(reconcile.Deps{
		Pool:      c.Pool,
		Profiles:  c.Profiles,
		Positions: c.Positions,
		History:   c.History,
		Snapshots: c.Snapshots,
		Decisions: c.Decisions,
		Drawdown:  c.Emergency.Drawdown(),
		Monitor:   c.Emergency.Monitor(),
		Alerts:    c.Alerts,
		Hub:       c.Hub,
		Clock:     c.Clock,
		IDs:       c.IDs,
		Log:       log,
	})
}

// wireJobs builds the scheduler and registers the reconcilers and
// maintenance jobs
func (c *Container) wireJobs(cfg *config.Config, log zerolog.Logger) error {
	c.Backups = reliability.NewBackupService(
		c.Databases,
		c.Store,
		filepath.Join(cfg.DataDir, "backups"),
		cfg.ObjectStore.RetentionDays,
		c.Clock,
		log,
	)

	c.Scheduler = scheduler.New(log)

	every := func(d time.Duration) string { return "@every " + d.String() }
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{every(cfg.Reconcile.PositionInterval), c.Reconcile.Positions()},
		{every(cfg.Reconcile.AccountInterval), c.Reconcile.Accounts()},
		{every(cfg.Reconcile.HealthInterval), c.Reconcile.Health()},
		{every(cfg.Reconcile.ExpirationInterval), c.Reconcile.Expiration()},
		{"@every 1h", scheduler.NewIdempotencySweepJob(c.Idempotency, log)},
		{"0 30 1 * * *", scheduler.NewWALCheckpointJob(c.Databases, log)},
		{"0 0 3 * * *", scheduler.NewRetentionJob(
			c.Snapshots, c.Events, c.Chains, c.Alerts,
			scheduler.DefaultRetentionPolicy(), c.Clock, log)},
		{"0 0 2 * * *", scheduler.NewBackupJob(c.Backups, log)},
	}
	for _, j := range jobs {
		if err := c.Scheduler.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", j.job.Name(), err)
		}
	}
	return nil
}

// Close tears the container down in reverse dependency order
func (c *Container) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Hub != nil {
		c.Hub.CloseAll()
	}
	for _, db := range c.Databases {
		_ = db.WALCheckpoint("TRUNCATE")
	}
	c.CloseDatabases()
}
