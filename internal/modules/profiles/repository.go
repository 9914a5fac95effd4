// Package profiles provides trading profile storage. A profile is one broker
// account: its credentials reference, gate thresholds, and the trading-enabled
// flag the kill switch flips.
package profiles

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// profileColumns is the list of columns for the profiles table.
// Column order must match scanProfile expectations.
const profileColumns = `id, tenant_id, name, broker, account_number, server, timezone, trading_enabled, gate_config, status, created_at, updated_at`

// Repository handles profile database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a profile repository on the core database
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "profiles").Logger(),
	}
}

// Create inserts a new profile
func (r *Repository) Create(p domain.Profile) error {
	gateJSON, err := domain.MarshalGateConfig(p.GateConfig)
	if err != nil {
		return fmt.Errorf("failed to encode gate config: %w", err)
	}

	query := `
		INSERT INTO profiles
		(id, tenant_id, name, broker, account_number, server, timezone,
		 trading_enabled, gate_config, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.Exec(query,
		p.ID,
		p.TenantID,
		strings.TrimSpace(p.Name),
		p.Broker,
		p.AccountNumber,
		p.Server,
		p.Timezone,
		boolToInt(p.TradingEnabled),
		gateJSON,
		string(p.Status),
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}

	r.log.Info().Str("profile_id", p.ID).Str("tenant_id", p.TenantID).Msg("Profile created")
	return nil
}

// GetByID retrieves a profile by ID. Returns nil when not found.
func (r *Repository) GetByID(id string) (*domain.Profile, error) {
	query := "SELECT " + profileColumns + " FROM profiles WHERE id = ?"

	p, err := scanProfile(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// ListByTenant retrieves all profiles owned by one tenant
func (r *Repository) ListByTenant(tenantID string) ([]domain.Profile, error) {
	query := "SELECT " + profileColumns + " FROM profiles WHERE tenant_id = ? ORDER BY created_at ASC"
	return r.list(query, tenantID)
}

// ListActive retrieves all non-archived profiles across tenants.
// Reconcilers iterate this set.
func (r *Repository) ListActive() ([]domain.Profile, error) {
	query := "SELECT " + profileColumns + " FROM profiles WHERE status = ? ORDER BY created_at ASC"
	return r.list(query, string(domain.ProfileActive))
}

// Update persists name, server, timezone, and status changes
func (r *Repository) Update(p domain.Profile) error {
	query := `
		UPDATE profiles
		SET name = ?, server = ?, timezone = ?, status = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := r.db.Exec(query,
		strings.TrimSpace(p.Name),
		p.Server,
		p.Timezone,
		string(p.Status),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return requireAffected(res, p.ID)
}

// SetTradingEnabled flips the master trading flag. The kill switch persists
// through restarts because this is a stored column, not process state.
func (r *Repository) SetTradingEnabled(id string, enabled bool, now time.Time) error {
	query := "UPDATE profiles SET trading_enabled = ?, updated_at = ? WHERE id = ?"

	res, err := r.db.Exec(query, boolToInt(enabled), now.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to set trading_enabled: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}

	r.log.Info().Str("profile_id", id).Bool("trading_enabled", enabled).Msg("Trading flag updated")
	return nil
}

// UpdateGateConfig replaces the stored gate thresholds
func (r *Repository) UpdateGateConfig(id string, cfg domain.GateConfig, now time.Time) error {
	gateJSON, err := domain.MarshalGateConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode gate config: %w", err)
	}

	query := "UPDATE profiles SET gate_config = ?, updated_at = ? WHERE id = ?"

	res, err := r.db.Exec(query, gateJSON, now.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to update gate config: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}

	r.log.Info().Str("profile_id", id).Msg("Gate config updated")
	return nil
}

// list runs a profile query and scans all rows
func (r *Repository) list(query string, args ...interface{}) ([]domain.Profile, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var out []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profiles: %w", err)
	}
	return out, nil
}

// requireAffected turns a zero-row UPDATE into a not-found error
func requireAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("profile %s not found", id)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanProfile reads one profile row. Gate config JSON falls back to defaults
// for fields older rows do not carry.
func scanProfile(s scanner) (domain.Profile, error) {
	var p domain.Profile
	var tradingEnabled int
	var gateJSON, status, createdAt, updatedAt string

	err := s.Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Broker, &p.AccountNumber, &p.Server,
		&p.Timezone, &tradingEnabled, &gateJSON, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Profile{}, err
	}

	p.TradingEnabled = tradingEnabled != 0
	p.Status = domain.ProfileStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)

	cfg, err := domain.UnmarshalGateConfig(gateJSON)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("failed to decode gate config for %s: %w", p.ID, err)
	}
	p.GateConfig = cfg
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
