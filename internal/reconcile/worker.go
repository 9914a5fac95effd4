package reconcile

import (
	"fmt"
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/rs/zerolog"
)

// WorkerStats tracks one reconciler's run history. LastError keeps the most
// recent failure even after later runs succeed.
type WorkerStats struct {
	StartedAt  time.Time `json:"started_at"`
	LastRunAt  time.Time `json:"last_run_at"`
	Name       string    `json:"name"`
	LastError  string    `json:"last_error,omitempty"`
	RunCount   int       `json:"run_count"`
	ErrorCount int       `json:"error_count"`
}

// worker wraps one reconciler pass with single-flight execution, panic
// containment, and run statistics. A tick that lands while the previous pass
// is still going is skipped, not queued.
type worker struct {
	clk     clock.Clock
	log     zerolog.Logger
	stats   WorkerStats
	mu      sync.Mutex
	running bool
}

func newWorker(name string, clk clock.Clock, log zerolog.Logger) *worker {
	return &worker{
		clk:   clk,
		log:   log.With().Str("job", name).Logger(),
		stats: WorkerStats{Name: name, StartedAt: clk.Now()},
	}
}

// track runs one pass and folds the outcome into the stats. Skipped ticks do
// not count as runs.
func (w *worker) track(pass func() error) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.log.Debug().Msg("Previous run still in progress, skipping")
		return nil
	}
	w.running = true
	w.mu.Unlock()

	err := w.guard(pass)

	w.mu.Lock()
	w.running = false
	w.stats.LastRunAt = w.clk.Now()
	w.stats.RunCount++
	if err != nil {
		w.stats.ErrorCount++
		w.stats.LastError = err.Error()
	}
	w.mu.Unlock()
	return err
}

// guard converts a panicking pass into a returned error so a bad pass never
// takes the process down
func (w *worker) guard(pass func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciler panic: %v", r)
			w.log.Error().Interface("panic", r).Msg("Reconciler pass panicked")
		}
	}()
	return pass()
}

// Stats returns a copy of the worker's counters
func (w *worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
