package compliance

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// eventColumns is the list of columns for the system_events table.
// Column order must match scanEvent expectations.
const eventColumns = `id, event_type, profile_id, severity, payload, created_at`

// EventRepository is the append-only audit log for control-plane actions:
// kill switch flips, panic triggers, admin overrides, connection losses.
type EventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewEventRepository creates an event repository on the audit database
func NewEventRepository(db *sql.DB, log zerolog.Logger) *EventRepository {
	return &EventRepository{
		db:  db,
		log: log.With().Str("repo", "events").Logger(),
	}
}

// Record appends one audit event
func (r *EventRepository) Record(e domain.SystemEvent) error {
	payloadJSON, err := encodeData(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	query := `
		INSERT INTO system_events (id, event_type, profile_id, severity, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.Exec(query,
		e.ID,
		e.EventType,
		e.ProfileID,
		string(e.Severity),
		payloadJSON,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListRecent retrieves the newest events, optionally filtered by type
func (r *EventRepository) ListRecent(eventType string, limit int) ([]domain.SystemEvent, error) {
	if limit <= 0 || limit > DefaultQueryLimit {
		limit = DefaultQueryLimit
	}

	query := "SELECT " + eventColumns + " FROM system_events"
	var args []interface{}
	if eventType != "" {
		query += " WHERE event_type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	return r.list(query, args...)
}

// ListByProfile retrieves the newest events for one profile
func (r *EventRepository) ListByProfile(profileID string, limit int) ([]domain.SystemEvent, error) {
	if limit <= 0 || limit > DefaultQueryLimit {
		limit = DefaultQueryLimit
	}

	query := "SELECT " + eventColumns + " FROM system_events WHERE profile_id = ? ORDER BY created_at DESC LIMIT ?"
	return r.list(query, profileID, limit)
}

// ListRange retrieves events inside [start, end] for evidence collection
func (r *EventRepository) ListRange(start, end time.Time) ([]domain.SystemEvent, error) {
	query := "SELECT " + eventColumns + ` FROM system_events
		WHERE created_at >= ? AND created_at <= ? ORDER BY created_at ASC`
	return r.list(query,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	)
}

// PruneBefore deletes events older than cutoff
func (r *EventRepository) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM system_events WHERE created_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	pruned, _ := res.RowsAffected()
	if pruned > 0 {
		r.log.Info().Int64("events", pruned).Msg("Pruned old system events")
	}
	return pruned, nil
}

func (r *EventRepository) list(query string, args ...interface{}) ([]domain.SystemEvent, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []domain.SystemEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// scanEvent reads one event row
func scanEvent(s scanner) (domain.SystemEvent, error) {
	var e domain.SystemEvent
	var profileID sql.NullString
	var severity, payloadJSON, createdAt string

	err := s.Scan(&e.ID, &e.EventType, &profileID, &severity, &payloadJSON, &createdAt)
	if err != nil {
		return domain.SystemEvent{}, err
	}

	if profileID.Valid {
		e.ProfileID = profileID.String
	}
	e.Severity = domain.AlertSeverity(severity)
	e.CreatedAt = parseTime(createdAt)

	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return domain.SystemEvent{}, fmt.Errorf("failed to decode event payload: %w", err)
	}
	return e, nil
}
