// Package scheduler runs the background jobs: the four reconcilers, cache
// and audit-trail maintenance, and the nightly backup.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// JobStatus describes one registered job and its cron timing
type JobStatus struct {
	PrevRun  time.Time `json:"prev_run"`
	NextRun  time.Time `json:"next_run"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
}

// entryRef ties a registered job back to its cron entry
type entryRef struct {
	name     string
	schedule string
	id       cron.EntryID
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	entries []entryRef
}

// New creates a new scheduler
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job with a cron schedule.
// Schedule examples:
//   - "@every 30s"         - Every 30 seconds
//   - "0 */5 * * * *"      - Every 5 minutes
//   - "0 0 2 * * *"        - 2 AM daily
func (s *Scheduler) AddJob(schedule string, job Job) error {
	id, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")

		if err := job.Run(); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job failed")
		} else {
			s.log.Debug().Str("job", job.Name()).Msg("Job completed")
		}
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries = append(s.entries, entryRef{name: job.Name(), schedule: schedule, id: id})
	s.mu.Unlock()

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// Entries reports every registered job with its last and next run time,
// in registration order. Before Start the cron timings are zero.
func (s *Scheduler) Entries() []JobStatus {
	s.mu.Lock()
	refs := make([]entryRef, len(s.entries))
	copy(refs, s.entries)
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(refs))
	for _, ref := range refs {
		entry := s.cron.Entry(ref.id)
		out = append(out, JobStatus{
			Name:     ref.name,
			Schedule: ref.schedule,
			PrevRun:  entry.Prev,
			NextRun:  entry.Next,
		})
	}
	return out
}

// RunNow executes a job immediately, outside its schedule
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}
