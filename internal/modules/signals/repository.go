package signals

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// decisionColumns is the list of columns for the decisions table.
// Column order must match scanDecision expectations.
const decisionColumns = `id, signal_id, idempotency_key, profile_id, symbol, direction, source, priority, confidence, status, decision_hash, chain_id, decision_reason, gate_checks, request, received_at, decided_at, valid_until, processing_ms, executed_at, error`

// Repository persists sealed decisions on the audit database. A decision row
// is written once inside the pipeline transaction; afterwards only the
// expiration and execution status transitions may touch it.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a decision repository on the audit database
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "decisions").Logger(),
	}
}

// CreateTx inserts a sealed decision within tx, alongside its chain
func (r *Repository) CreateTx(tx *sql.Tx, d *domain.Decision) error {
	gateJSON, err := json.Marshal(d.GateResults)
	if err != nil {
		return fmt.Errorf("failed to encode gate checks: %w", err)
	}
	requestJSON, err := json.Marshal(d.Signal)
	if err != nil {
		return fmt.Errorf("failed to encode signal request: %w", err)
	}

	var validUntil interface{}
	if d.Signal.ValidUntil != nil {
		validUntil = d.Signal.ValidUntil.UTC().Format(time.RFC3339Nano)
	}

	query := `
		INSERT INTO decisions
		(id, signal_id, idempotency_key, profile_id, symbol, direction, source, priority,
		 confidence, status, decision_hash, chain_id, decision_reason, gate_checks, request,
		 received_at, decided_at, valid_until, processing_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.Exec(query,
		d.ID,
		d.Signal.ID,
		d.Signal.IdempotencyKey,
		d.Signal.ProfileID,
		d.Signal.Symbol,
		string(d.Signal.Direction),
		string(d.Signal.Source),
		string(d.Signal.Priority),
		d.Signal.Confidence,
		string(d.Status),
		d.DecisionHash,
		d.ChainID,
		d.Reason,
		string(gateJSON),
		string(requestJSON),
		d.Signal.ReceivedAt.UTC().Format(time.RFC3339Nano),
		d.DecidedAt.UTC().Format(time.RFC3339Nano),
		validUntil,
		d.ProcessingMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// GetByID retrieves a decision by its id. Returns nil when not found.
func (r *Repository) GetByID(id string) (*domain.Decision, error) {
	query := "SELECT " + decisionColumns + " FROM decisions WHERE id = ?"

	d, err := scanDecision(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return &d, nil
}

// GetBySignalID retrieves the decision sealed for one signal.
// Returns nil when not found.
func (r *Repository) GetBySignalID(signalID string) (*domain.Decision, error) {
	query := "SELECT " + decisionColumns + " FROM decisions WHERE signal_id = ?"

	d, err := scanDecision(r.db.QueryRow(query, signalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision by signal: %w", err)
	}
	return &d, nil
}

// ListRecent retrieves the newest decisions for one profile
func (r *Repository) ListRecent(profileID string, limit int) ([]domain.Decision, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := "SELECT " + decisionColumns + " FROM decisions WHERE profile_id = ? ORDER BY received_at DESC LIMIT ?"
	return r.list(query, profileID, limit)
}

// ListSince retrieves decisions decided at or after cutoff, oldest first.
// The idempotency cache warms from this on boot.
func (r *Repository) ListSince(cutoff time.Time) ([]domain.Decision, error) {
	query := "SELECT " + decisionColumns + " FROM decisions WHERE decided_at >= ? ORDER BY decided_at ASC"
	return r.list(query, cutoff.UTC().Format(time.RFC3339Nano))
}

// ListRange returns decisions decided inside [start, end) oldest first.
// An empty profileID spans all profiles; evidence exports use both forms.
func (r *Repository) ListRange(profileID string, start, end time.Time) ([]domain.Decision, error) {
	query := "SELECT " + decisionColumns + " FROM decisions WHERE decided_at >= ? AND decided_at < ?"
	args := []interface{}{
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	}
	if profileID != "" {
		query += " AND profile_id = ?"
		args = append(args, profileID)
	}
	query += " ORDER BY decided_at ASC"
	return r.list(query, args...)
}

// CountInRange counts decisions received inside [start, end) for one profile.
// The daily gate passes tenant-local midnight boundaries converted to UTC.
func (r *Repository) CountInRange(profileID string, start, end time.Time) (int, error) {
	query := "SELECT COUNT(*) FROM decisions WHERE profile_id = ? AND received_at >= ? AND received_at < ?"

	var count int
	err := r.db.QueryRow(query, profileID,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return count, nil
}

// CountByStatus aggregates decision counts per status for one profile
func (r *Repository) CountByStatus(profileID string) (map[domain.DecisionStatus]int, error) {
	query := "SELECT status, COUNT(*) FROM decisions WHERE profile_id = ? GROUP BY status"

	rows, err := r.db.Query(query, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.DecisionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out[domain.DecisionStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return out, nil
}

// ListExpirable retrieves approved decisions whose validity window has passed.
// The expiration reconciler sweeps these.
func (r *Repository) ListExpirable(now time.Time) ([]domain.Decision, error) {
	query := "SELECT " + decisionColumns + ` FROM decisions
		WHERE status = ? AND valid_until IS NOT NULL AND valid_until <= ?
		ORDER BY valid_until ASC`
	return r.list(query, string(domain.StatusApproved), now.UTC().Format(time.RFC3339Nano))
}

// MarkExpired transitions an approved decision to expired
func (r *Repository) MarkExpired(id string) error {
	query := "UPDATE decisions SET status = ? WHERE id = ? AND status = ?"

	res, err := r.db.Exec(query, string(domain.StatusExpired), id, string(domain.StatusApproved))
	if err != nil {
		return fmt.Errorf("failed to mark decision expired: %w", err)
	}
	return requireDecisionAffected(res, id)
}

// MarkExecuted records downstream execution of an approved decision
func (r *Repository) MarkExecuted(id string, at time.Time) error {
	query := "UPDATE decisions SET status = ?, executed_at = ? WHERE id = ? AND status = ?"

	res, err := r.db.Exec(query,
		string(domain.StatusExecuted),
		at.UTC().Format(time.RFC3339Nano),
		id,
		string(domain.StatusApproved),
	)
	if err != nil {
		return fmt.Errorf("failed to mark decision executed: %w", err)
	}
	if err := requireDecisionAffected(res, id); err != nil {
		return err
	}

	r.log.Info().Str("decision_id", id).Msg("Decision marked executed")
	return nil
}

// MarkFailed records a downstream execution failure
func (r *Repository) MarkFailed(id, errMsg string, at time.Time) error {
	query := "UPDATE decisions SET status = ?, error = ?, executed_at = ? WHERE id = ? AND status = ?"

	res, err := r.db.Exec(query,
		string(domain.StatusFailed),
		errMsg,
		at.UTC().Format(time.RFC3339Nano),
		id,
		string(domain.StatusApproved),
	)
	if err != nil {
		return fmt.Errorf("failed to mark decision failed: %w", err)
	}
	if err := requireDecisionAffected(res, id); err != nil {
		return err
	}

	r.log.Warn().Str("decision_id", id).Str("error", errMsg).Msg("Decision marked failed")
	return nil
}

func (r *Repository) list(query string, args ...interface{}) ([]domain.Decision, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return out, nil
}

// requireDecisionAffected turns a zero-row UPDATE into a not-found error.
// Status-guarded updates also land here when the row is in the wrong state.
func requireDecisionAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("decision %s not found or not in an updatable status", id)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanDecision reads one decision row. The request column is the authoritative
// signal snapshot; scalar columns exist for SQL filtering.
func scanDecision(s scanner) (domain.Decision, error) {
	var d domain.Decision
	var signalID, idemKey, profileID, symbol, direction, source, priority string
	var confidence float64
	var status, gateJSON, requestJSON, receivedAt, decidedAt string
	var validUntil, executedAt, errMsg sql.NullString

	err := s.Scan(
		&d.ID, &signalID, &idemKey, &profileID, &symbol, &direction, &source, &priority,
		&confidence, &status, &d.DecisionHash, &d.ChainID, &d.Reason, &gateJSON, &requestJSON,
		&receivedAt, &decidedAt, &validUntil, &d.ProcessingMS, &executedAt, &errMsg,
	)
	if err != nil {
		return domain.Decision{}, err
	}

	if err := json.Unmarshal([]byte(requestJSON), &d.Signal); err != nil {
		return domain.Decision{}, fmt.Errorf("failed to decode signal request for %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(gateJSON), &d.GateResults); err != nil {
		return domain.Decision{}, fmt.Errorf("failed to decode gate checks for %s: %w", d.ID, err)
	}

	// Columns win over the snapshot for fields that may drift
	d.Signal.ID = signalID
	d.Signal.IdempotencyKey = idemKey
	d.Signal.ProfileID = profileID
	d.Signal.Symbol = symbol
	d.Signal.Direction = domain.SignalDirection(direction)
	d.Signal.Source = domain.SignalSource(source)
	d.Signal.Priority = domain.SignalPriority(priority)
	d.Signal.Confidence = confidence
	d.Signal.ReceivedAt = parseTime(receivedAt)
	d.Status = domain.DecisionStatus(status)
	d.DecidedAt = parseTime(decidedAt)

	if validUntil.Valid {
		t := parseTime(validUntil.String)
		d.Signal.ValidUntil = &t
	}
	if executedAt.Valid {
		t := parseTime(executedAt.String)
		d.ExecutedAt = &t
	}
	if errMsg.Valid {
		d.Error = errMsg.String
	}
	return d, nil
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
