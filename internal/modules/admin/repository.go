// Package admin provides the operator-facing control plane: authorisation
// for privileged actions, fleet projections, tenant and profile management,
// and the alert inbox.
package admin

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/archonlabs/bastion/internal/database"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// AlertFilter narrows an alert listing. Zero values mean "no constraint".
type AlertFilter struct {
	Since        time.Time
	Until        time.Time
	Severity     string
	Kind         string
	TenantID     string
	ProfileID    string
	Acknowledged *bool
	Limit        int
	Offset       int
}

// AlertRepository stores operator alerts in the core database. Rows are
// append-only; acknowledge is the only mutation.
type AlertRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAlertRepository creates an alert repository backed by the core database
func NewAlertRepository(db *sql.DB, log zerolog.Logger) *AlertRepository {
	return &AlertRepository{
		db:  db,
		log: log.With().Str("component", "alert_repository").Logger(),
	}
}

// Create inserts a new alert row
func (r *AlertRepository) Create(a domain.Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal alert details: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO alerts (id, profile_id, tenant_id, severity, kind, source, message, details, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, a.ProfileID, a.TenantID, string(a.Severity), a.Kind, a.Source,
		a.Message, string(details), a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// GetByID fetches a single alert
func (r *AlertRepository) GetByID(id string) (*domain.Alert, error) {
	row := r.db.QueryRow(selectAlert+` WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return &a, nil
}

// List returns alerts matching the filter, newest first, plus the total
// match count before pagination
func (r *AlertRepository) List(f AlertFilter) ([]domain.Alert, int, error) {
	where, args := alertWhere(f)

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM alerts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	query := selectAlert + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts, err := collectAlerts(rows)
	if err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

// ListInRange returns all alerts created inside [start, end), oldest first.
// Evidence packages use this to bundle the alert log for a period.
func (r *AlertRepository) ListInRange(start, end time.Time) ([]domain.Alert, error) {
	rows, err := r.db.Query(
		selectAlert+` WHERE created_at >= ? AND created_at < ? ORDER BY created_at ASC`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts in range: %w", err)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// AcknowledgeBatch marks the given alerts acknowledged and returns how many
// rows actually changed. Already-acknowledged alerts are left untouched so
// the original acknowledger is preserved.
func (r *AlertRepository) AcknowledgeBatch(ids []string, by string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	acked := 0
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			UPDATE alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
			WHERE id = ? AND acknowledged = 0`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		ts := now.UTC().Format(time.RFC3339Nano)
		for _, id := range ids {
			res, err := stmt.Exec(by, ts, id)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			acked += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge alerts: %w", err)
	}
	return acked, nil
}

// UnacknowledgedCount returns open alert counts keyed by severity
func (r *AlertRepository) UnacknowledgedCount() (map[string]int, error) {
	rows, err := r.db.Query(`SELECT severity, COUNT(*) FROM alerts WHERE acknowledged = 0 GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("failed to count open alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, err
		}
		counts[severity] = n
	}
	return counts, rows.Err()
}

// PruneAcknowledgedBefore deletes acknowledged alerts older than the cutoff
func (r *AlertRepository) PruneAcknowledgedBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(
		`DELETE FROM alerts WHERE acknowledged = 1 AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune alerts: %w", err)
	}
	return res.RowsAffected()
}

const selectAlert = `
	SELECT id, profile_id, tenant_id, severity, kind, source, message, details,
	       acknowledged, acknowledged_by, acknowledged_at, created_at
	FROM alerts`

// alertWhere builds the WHERE clause for a filter
func alertWhere(f AlertFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.ProfileID != "" {
		conds = append(conds, "profile_id = ?")
		args = append(args, f.ProfileID)
	}
	if f.Acknowledged != nil {
		conds = append(conds, "acknowledged = ?")
		args = append(args, boolToInt(*f.Acknowledged))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(s scanner) (domain.Alert, error) {
	var a domain.Alert
	var severity, details, createdAt string
	var acked int
	var ackedBy, ackedAt sql.NullString

	err := s.Scan(&a.ID, &a.ProfileID, &a.TenantID, &severity, &a.Kind, &a.Source,
		&a.Message, &details, &acked, &ackedBy, &ackedAt, &createdAt)
	if err != nil {
		return a, err
	}

	a.Severity = domain.AlertSeverity(severity)
	a.Acknowledged = acked != 0
	a.AcknowledgedBy = ackedBy.String
	if ackedAt.Valid && ackedAt.String != "" {
		t := parseTime(ackedAt.String)
		a.AcknowledgedAt = &t
	}
	a.CreatedAt = parseTime(createdAt)

	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
			a.Details = nil
		}
	}
	return a, nil
}

func collectAlerts(rows *sql.Rows) ([]domain.Alert, error) {
	var alerts []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
