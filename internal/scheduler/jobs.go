package scheduler

import (
	"context"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/database"
	"github.com/rs/zerolog"
)

// SweeperInterface evicts expired idempotency entries
type SweeperInterface interface {
	Sweep() int
}

// IdempotencySweepJob evicts expired entries from the signal replay cache
type IdempotencySweepJob struct {
	cache SweeperInterface
	log   zerolog.Logger
}

// NewIdempotencySweepJob creates the sweep job
func NewIdempotencySweepJob(cache SweeperInterface, log zerolog.Logger) *IdempotencySweepJob {
	return &IdempotencySweepJob{
		cache: cache,
		log:   log.With().Str("job", "idempotency_sweep").Logger(),
	}
}

// Name returns the job name
func (j *IdempotencySweepJob) Name() string { return "idempotency_sweep" }

// Run evicts expired cache entries
func (j *IdempotencySweepJob) Run() error {
	if n := j.cache.Sweep(); n > 0 {
		j.log.Info().Int("evicted", n).Msg("Expired idempotency entries swept")
	}
	return nil
}

// WALCheckpointJob truncates the write-ahead logs so they cannot grow
// unbounded between restarts
type WALCheckpointJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewWALCheckpointJob creates the checkpoint job
func NewWALCheckpointJob(databases map[string]*database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		databases: databases,
		log:       log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string { return "wal_checkpoint" }

// Run checkpoints every database. A failed checkpoint is logged but does
// not abort the pass.
func (j *WALCheckpointJob) Run() error {
	for name, db := range j.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}
	return nil
}

// SnapshotPrunerInterface prunes old account snapshots
type SnapshotPrunerInterface interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

// EventPrunerInterface prunes old system events
type EventPrunerInterface interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

// ChainPrunerInterface prunes old decision chains
type ChainPrunerInterface interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

// AlertPrunerInterface prunes acknowledged alerts
type AlertPrunerInterface interface {
	PruneAcknowledgedBefore(cutoff time.Time) (int64, error)
}

// RetentionPolicy sets how long each data class is kept. Zero disables
// pruning for that class.
type RetentionPolicy struct {
	Snapshots time.Duration
	Events    time.Duration
	Chains    time.Duration
	Alerts    time.Duration
}

// DefaultRetentionPolicy keeps snapshots for 30 days, the audit trail for a
// year, and acknowledged alerts for 90 days
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Snapshots: 30 * 24 * time.Hour,
		Events:    365 * 24 * time.Hour,
		Chains:    365 * 24 * time.Hour,
		Alerts:    90 * 24 * time.Hour,
	}
}

// RetentionJob prunes aged rows per the retention policy
type RetentionJob struct {
	snapshots SnapshotPrunerInterface
	events    EventPrunerInterface
	chains    ChainPrunerInterface
	alerts    AlertPrunerInterface
	policy    RetentionPolicy
	clk       clock.Clock
	log       zerolog.Logger
}

// NewRetentionJob creates the retention job
func NewRetentionJob(
	snapshots SnapshotPrunerInterface,
	events EventPrunerInterface,
	chains ChainPrunerInterface,
	alerts AlertPrunerInterface,
	policy RetentionPolicy,
	clk clock.Clock,
	log zerolog.Logger,
) *RetentionJob {
	return &RetentionJob{
		snapshots: snapshots,
		events:    events,
		chains:    chains,
		alerts:    alerts,
		policy:    policy,
		clk:       clk,
		log:       log.With().Str("job", "retention").Logger(),
	}
}

// Name returns the job name
func (j *RetentionJob) Name() string { return "retention" }

// Run prunes every data class with a non-zero retention
func (j *RetentionJob) Run() error {
	now := j.clk.Now()
	total := int64(0)

	prune := func(class string, keep time.Duration, fn func(time.Time) (int64, error)) {
		if keep <= 0 {
			return
		}
		n, err := fn(now.Add(-keep))
		if err != nil {
			j.log.Error().Err(err).Str("class", class).Msg("Retention prune failed")
			return
		}
		if n > 0 {
			j.log.Info().Str("class", class).Int64("pruned", n).Msg("Aged rows pruned")
		}
		total += n
	}

	prune("snapshots", j.policy.Snapshots, j.snapshots.PruneBefore)
	prune("events", j.policy.Events, j.events.PruneBefore)
	prune("chains", j.policy.Chains, j.chains.PruneBefore)
	prune("alerts", j.policy.Alerts, j.alerts.PruneAcknowledgedBefore)

	if total > 0 {
		j.log.Info().Int64("total", total).Msg("Retention pass completed")
	}
	return nil
}

// BackupRunnerInterface creates and ships one backup
type BackupRunnerInterface interface {
	Run(ctx context.Context) error
}

// BackupJob drives the nightly database backup
type BackupJob struct {
	backups BackupRunnerInterface
	timeout time.Duration
	log     zerolog.Logger
}

// NewBackupJob creates the backup job
func NewBackupJob(backups BackupRunnerInterface, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backups: backups,
		timeout: 10 * time.Minute,
		log:     log.With().Str("job", "backup").Logger(),
	}
}

// Name returns the job name
func (j *BackupJob) Name() string { return "backup" }

// Run creates one backup under a timeout
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.backups.Run(ctx)
}
