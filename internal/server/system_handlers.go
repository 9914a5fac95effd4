package server

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/archonlabs/bastion/internal/database"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/pool"
	"github.com/archonlabs/bastion/internal/reconcile"
	"github.com/archonlabs/bastion/internal/scheduler"
)

// SystemHandlers contains the host and worker observability handlers
type SystemHandlers struct {
	dataDir   string
	databases map[string]*database.DB
	pool      *pool.Pool
	hub       *events.Hub
	reconcile *reconcile.Manager
	sched     *scheduler.Scheduler
	log       zerolog.Logger
}

// DatabaseStats describes one database file
type DatabaseStats struct {
	Name         string  `json:"name"`
	SizeMB       float64 `json:"size_mb"`
	WALSizeMB    float64 `json:"wal_size_mb"`
	PageCount    int64   `json:"page_count"`
	FreelistPage int64   `json:"freelist_pages"`
}

// SystemStatsResponse is the /api/system/stats payload
type SystemStatsResponse struct {
	CPUPercent    float64         `json:"cpu_percent"`
	MemPercent    float64         `json:"mem_percent"`
	Goroutines    int             `json:"goroutines"`
	DataDirMB     float64         `json:"data_dir_mb"`
	BackupsMB     float64         `json:"backups_mb"`
	Databases     []DatabaseStats `json:"databases"`
	Pool          pool.Stats      `json:"pool"`
	Hub           events.Stats    `json:"hub"`
	GeneratedAt   string          `json:"generated_at"`
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(
	dataDir string,
	databases map[string]*database.DB,
	p *pool.Pool,
	hub *events.Hub,
	manager *reconcile.Manager,
	sched *scheduler.Scheduler,
	log zerolog.Logger,
) *SystemHandlers {
	return &SystemHandlers{
		dataDir:   dataDir,
		databases: databases,
		pool:      p,
		hub:       hub,
		reconcile: manager,
		sched:     sched,
		log:       log.With().Str("handler", "system").Logger(),
	}
}

// RegisterRoutes registers the observability routes
func (h *SystemHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/system/stats", h.HandleSystemStats)
	r.Get("/workers/stats", h.HandleWorkerStats)
}

// HandleSystemStats returns host, database, pool, and hub statistics
// GET /api/system/stats
func (h *SystemHandlers) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	cpuAvg, memUsed := h.getHostStats()

	resp := SystemStatsResponse{
		CPUPercent:  cpuAvg,
		MemPercent:  memUsed,
		Goroutines:  runtime.NumGoroutine(),
		DataDirMB:   h.getDirSize(h.dataDir),
		BackupsMB:   h.getDirSize(filepath.Join(h.dataDir, "backups")),
		Databases:   h.getDatabaseStats(),
		Pool:        h.pool.GetStats(),
		Hub:         h.hub.GetStats(),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleWorkerStats returns the reconciler run counters and the cron
// schedule of every registered background job
// GET /api/workers/stats
func (h *SystemHandlers) HandleWorkerStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"workers": h.reconcile.Stats(),
	}
	if h.sched != nil {
		resp["jobs"] = h.sched.Entries()
	}
	writeJSON(w, http.StatusOK, resp)
}

// getDatabaseStats collects per-database file statistics, sorted by name
func (h *SystemHandlers) getDatabaseStats() []DatabaseStats {
	names := make([]string, 0, len(h.databases))
	for name := range h.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]DatabaseStats, 0, len(names))
	for _, name := range names {
		stats, err := h.databases[name].GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", name).Msg("Failed to collect database stats")
			continue
		}
		out = append(out, DatabaseStats{
			Name:         name,
			SizeMB:       float64(stats.SizeBytes) / 1024 / 1024,
			WALSizeMB:    float64(stats.WALSizeBytes) / 1024 / 1024,
			PageCount:    stats.PageCount,
			FreelistPage: stats.FreelistCount,
		})
	}
	return out
}

// getDirSize calculates total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

// getHostStats calculates CPU and RAM usage percentages.
// Uses a 100ms sampling interval so the API call does not block for long.
func (h *SystemHandlers) getHostStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
