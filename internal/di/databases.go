// Package di wires the control plane together: databases, repositories,
// the broker pool, services, reconcilers, and the background jobs.
package di

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/archonlabs/bastion/internal/config"
	"github.com/archonlabs/bastion/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the three databases and applies their schemas.
// Durability is tiered per database: the audit trail runs FULL sync, core
// state runs NORMAL, and the cache trades safety for speed.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger, c *Container) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// 1. core.db - tenants, profiles, positions, alerts
	coreDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "core.db"),
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize core database: %w", err)
	}
	c.CoreDB = coreDB

	// 2. audit.db - append-only decisions, chains, system events
	auditDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "audit.db"),
		Profile: database.ProfileAudit,
		Name:    "audit",
	})
	if err != nil {
		coreDB.Close()
		return fmt.Errorf("failed to initialize audit database: %w", err)
	}
	c.AuditDB = auditDB

	// 3. cache.db - rebuildable operational data
	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		coreDB.Close()
		auditDB.Close()
		return fmt.Errorf("failed to initialize cache database: %w", err)
	}
	c.CacheDB = cacheDB

	c.Databases = map[string]*database.DB{
		"core":  coreDB,
		"audit": auditDB,
		"cache": cacheDB,
	}

	for name, db := range c.Databases {
		if err := db.Migrate(); err != nil {
			c.CloseDatabases()
			return fmt.Errorf("failed to migrate %s database: %w", name, err)
		}
	}

	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("databases", len(c.Databases)).
		Msg("Databases initialized")
	return nil
}

// CloseDatabases closes every open database, logging nothing. Safe to call
// on a partially-initialized container.
func (c *Container) CloseDatabases() {
	for _, db := range []*database.DB{c.CacheDB, c.AuditDB, c.CoreDB} {
		if db != nil {
			_ = db.Close()
		}
	}
}
