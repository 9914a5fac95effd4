// Package tenants provides tenant account storage.
package tenants

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// tenantColumns is the list of columns for the tenants table.
// Column order must match scanTenant expectations.
const tenantColumns = `id, name, email, role, tier, status, created_at, updated_at`

// Repository handles tenant database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a tenant repository on the core database
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "tenants").Logger(),
	}
}

// Create inserts a new tenant. An unset tier defaults to free.
func (r *Repository) Create(t domain.Tenant) error {
	if t.Tier == "" {
		t.Tier = domain.TierFree
	}
	query := `
		INSERT INTO tenants (id, name, email, role, tier, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		t.ID,
		strings.TrimSpace(t.Name),
		strings.ToLower(strings.TrimSpace(t.Email)),
		string(t.Role),
		string(t.Tier),
		string(t.Status),
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	r.log.Info().Str("tenant_id", t.ID).Str("role", string(t.Role)).Msg("Tenant created")
	return nil
}

// GetByID retrieves a tenant by ID. Returns nil when not found.
func (r *Repository) GetByID(id string) (*domain.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE id = ?"

	t, err := scanTenant(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

// GetByEmail retrieves a tenant by email. Returns nil when not found.
func (r *Repository) GetByEmail(email string) (*domain.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE email = ?"

	t, err := scanTenant(r.db.QueryRow(query, strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant by email: %w", err)
	}
	return &t, nil
}

// List retrieves all tenants ordered by creation time
func (r *Repository) List() ([]domain.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants ORDER BY created_at ASC"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}
	return out, nil
}

// Update persists name, role, tier, and status changes
func (r *Repository) Update(t domain.Tenant) error {
	query := `
		UPDATE tenants
		SET name = ?, role = ?, tier = ?, status = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := r.db.Exec(query,
		strings.TrimSpace(t.Name),
		string(t.Role),
		string(t.Tier),
		string(t.Status),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check tenant update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("tenant %s not found", t.ID)
	}

	r.log.Info().Str("tenant_id", t.ID).Str("status", string(t.Status)).Msg("Tenant updated")
	return nil
}

// CountAdmins returns the number of active admin tenants.
// Used to block demoting or suspending the last admin.
func (r *Repository) CountAdmins() (int, error) {
	query := "SELECT COUNT(*) FROM tenants WHERE role = ? AND status = ?"

	var count int
	err := r.db.QueryRow(query, string(domain.RoleAdmin), string(domain.TenantActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return count, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTenant reads one tenant row
func scanTenant(s scanner) (domain.Tenant, error) {
	var t domain.Tenant
	var role, tier, status, createdAt, updatedAt string

	err := s.Scan(&t.ID, &t.Name, &t.Email, &role, &tier, &status, &createdAt, &updatedAt)
	if err != nil {
		return domain.Tenant{}, err
	}

	t.Role = domain.TenantRole(role)
	t.Tier = domain.TenantTier(tier)
	t.Status = domain.TenantStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// parseTime reads the RFC3339 timestamps stored by this repository.
// Unparseable values scan as zero time rather than failing the row.
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
