package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct{ swept int }

func (f *fakeSweeper) Sweep() int { return f.swept }

func TestIdempotencySweepJob(t *testing.T) {
	job := NewIdempotencySweepJob(&fakeSweeper{swept: 4}, zerolog.Nop())
	assert.Equal(t, "idempotency_sweep", job.Name())
	assert.NoError(t, job.Run())
}

type fakePruner struct {
	cutoffs []time.Time
	pruned  int64
	err     error
}

func (f *fakePruner) PruneBefore(cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.pruned, f.err
}

func (f *fakePruner) PruneAcknowledgedBefore(cutoff time.Time) (int64, error) {
	return f.PruneBefore(cutoff)
}

func TestRetentionJobAppliesPolicy(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC))
	snapshots := &fakePruner{pruned: 10}
	events := &fakePruner{}
	chains := &fakePruner{}
	alerts := &fakePruner{}

	policy := RetentionPolicy{
		Snapshots: 24 * time.Hour,
		Events:    48 * time.Hour,
		Chains:    0, // disabled
		Alerts:    72 * time.Hour,
	}
	job := NewRetentionJob(snapshots, events, chains, alerts, policy, clk, zerolog.Nop())
	require.NoError(t, job.Run())

	require.Len(t, snapshots.cutoffs, 1)
	assert.Equal(t, clk.Now().Add(-24*time.Hour), snapshots.cutoffs[0])
	require.Len(t, events.cutoffs, 1)
	assert.Equal(t, clk.Now().Add(-48*time.Hour), events.cutoffs[0])
	assert.Empty(t, chains.cutoffs, "zero retention disables the class")
	require.Len(t, alerts.cutoffs, 1)
}

func TestRetentionJobSurvivesPruneErrors(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC))
	broken := &fakePruner{err: errors.New("locked")}
	healthy := &fakePruner{}

	job := NewRetentionJob(broken, healthy, healthy, healthy, DefaultRetentionPolicy(), clk, zerolog.Nop())
	assert.NoError(t, job.Run(), "one failing class does not abort the pass")
	assert.Len(t, healthy.cutoffs, 3)
}

type fakeBackupRunner struct {
	ran bool
	err error
}

func (f *fakeBackupRunner) Run(ctx context.Context) error {
	f.ran = true
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline")
	}
	return f.err
}

func TestBackupJob(t *testing.T) {
	runner := &fakeBackupRunner{}
	job := NewBackupJob(runner, zerolog.Nop())
	require.NoError(t, job.Run())
	assert.True(t, runner.ran)

	runner.err = errors.New("upload failed")
	assert.Error(t, job.Run())
}

type countingJob struct{ runs int }

func (c *countingJob) Run() error  { c.runs++; return nil }
func (c *countingJob) Name() string { return "counting" }

func TestSchedulerRunNow(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, job.runs)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	assert.Error(t, s.AddJob("not a schedule", &countingJob{}))
	assert.NoError(t, s.AddJob("@every 30s", &countingJob{}))
}
