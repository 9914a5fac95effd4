package trading

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// snapshotColumns is the list of columns for the account_snapshots table.
// Column order must match scanSnapshot expectations.
const snapshotColumns = `id, profile_id, balance, equity, margin, free_margin, margin_level, leverage, currency, taken_at`

// SnapshotRepository stores account state samples from the account reconciler
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a snapshot repository on the core database
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repo", "account_snapshots").Logger(),
	}
}

// Create stores one account sample
func (r *SnapshotRepository) Create(s domain.AccountSnapshot) error {
	query := `
		INSERT INTO account_snapshots
		(profile_id, balance, equity, margin, free_margin, margin_level, leverage, currency, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		s.ProfileID, s.Balance, s.Equity, s.Margin, s.FreeMargin,
		s.MarginLevel, s.Leverage, s.Currency,
		s.TakenAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create account snapshot: %w", err)
	}
	return nil
}

// Latest retrieves the most recent sample for a profile. Returns nil when the
// profile has never been sampled; the drawdown gate treats that as no data.
func (r *SnapshotRepository) Latest(profileID string) (*domain.AccountSnapshot, error) {
	query := "SELECT " + snapshotColumns + " FROM account_snapshots WHERE profile_id = ? ORDER BY taken_at DESC LIMIT 1"

	s, err := scanSnapshot(r.db.QueryRow(query, profileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return &s, nil
}

// ListInRange retrieves samples within [start, end], oldest first
func (r *SnapshotRepository) ListInRange(profileID string, start, end time.Time) ([]domain.AccountSnapshot, error) {
	query := "SELECT " + snapshotColumns + ` FROM account_snapshots
		WHERE profile_id = ? AND taken_at >= ? AND taken_at <= ?
		ORDER BY taken_at ASC`

	rows, err := r.db.Query(query, profileID,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// PruneBefore deletes samples older than the cutoff. The account reconciler
// samples every few seconds, so the nightly maintenance job keeps the table
// bounded.
func (r *SnapshotRepository) PruneBefore(cutoff time.Time) (int64, error) {
	query := "DELETE FROM account_snapshots WHERE taken_at < ?"

	res, err := r.db.Exec(query, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned snapshots: %w", err)
	}
	if deleted > 0 {
		r.log.Info().Int64("deleted", deleted).Msg("Old account snapshots pruned")
	}
	return deleted, nil
}

// scanSnapshot reads one snapshot row
func scanSnapshot(s scanner) (domain.AccountSnapshot, error) {
	var snap domain.AccountSnapshot
	var takenAt string

	err := s.Scan(
		&snap.ID, &snap.ProfileID, &snap.Balance, &snap.Equity, &snap.Margin,
		&snap.FreeMargin, &snap.MarginLevel, &snap.Leverage, &snap.Currency, &takenAt,
	)
	if err != nil {
		return domain.AccountSnapshot{}, err
	}

	snap.TakenAt = parseTime(takenAt)
	return snap, nil
}
