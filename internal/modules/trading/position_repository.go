// Package trading provides storage for the broker state mirror: open
// positions, closed trade history, and account snapshots per profile.
package trading

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// positionColumns is the list of columns for the positions table.
// Column order must match scanPosition expectations.
const positionColumns = `id, profile_id, ticket, symbol, side, volume, open_price, current_price, stop_loss, take_profit, profit, swap, commission, status, opened_at, updated_at`

// PositionRepository handles the open position mirror
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a position repository on the core database
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// Upsert inserts or refreshes a position keyed by (profile, ticket)
func (r *PositionRepository) Upsert(p domain.Position) error {
	query := `
		INSERT INTO positions
		(id, profile_id, ticket, symbol, side, volume, open_price, current_price,
		 stop_loss, take_profit, profit, swap, commission, status, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id, ticket) DO UPDATE SET
			volume = excluded.volume,
			current_price = excluded.current_price,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			profit = excluded.profit,
			swap = excluded.swap,
			commission = excluded.commission,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := r.db.Exec(query,
		p.ID, p.ProfileID, p.Ticket, p.Symbol, string(p.Side),
		p.Volume, p.OpenPrice, p.CurrentPrice, p.StopLoss, p.TakeProfit,
		p.Profit, p.Swap, p.Commission, string(p.Status),
		p.OpenedAt.UTC().Format(time.RFC3339Nano),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

// GetOpenByProfile retrieves the open position mirror for one profile
func (r *PositionRepository) GetOpenByProfile(profileID string) ([]domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE profile_id = ? AND status = ? ORDER BY opened_at ASC"

	rows, err := r.db.Query(query, profileID, string(domain.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return out, nil
}

// CountOpenByProfile returns how many positions are open for a profile.
// The position limit gate reads this.
func (r *PositionRepository) CountOpenByProfile(profileID string) (int, error) {
	query := "SELECT COUNT(*) FROM positions WHERE profile_id = ? AND status = ?"

	var count int
	err := r.db.QueryRow(query, profileID, string(domain.PositionOpen)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}
	return count, nil
}

// GetByTicket retrieves one position. Returns nil when not found.
func (r *PositionRepository) GetByTicket(profileID string, ticket int64) (*domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE profile_id = ? AND ticket = ?"

	p, err := scanPosition(r.db.QueryRow(query, profileID, ticket))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return &p, nil
}

// MarkClosed flips a position out of the open mirror
func (r *PositionRepository) MarkClosed(profileID string, ticket int64, now time.Time) error {
	query := "UPDATE positions SET status = ?, updated_at = ? WHERE profile_id = ? AND ticket = ? AND status = ?"

	res, err := r.db.Exec(query,
		string(domain.PositionClosed),
		now.UTC().Format(time.RFC3339Nano),
		profileID, ticket,
		string(domain.PositionOpen),
	)
	if err != nil {
		return fmt.Errorf("failed to mark position closed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check close result: %w", err)
	}
	if affected > 0 {
		r.log.Debug().
			Str("profile_id", profileID).
			Int64("ticket", ticket).
			Msg("Position marked closed")
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition reads one position row
func scanPosition(s scanner) (domain.Position, error) {
	var p domain.Position
	var side, status, openedAt, updatedAt string

	err := s.Scan(
		&p.ID, &p.ProfileID, &p.Ticket, &p.Symbol, &side,
		&p.Volume, &p.OpenPrice, &p.CurrentPrice, &p.StopLoss, &p.TakeProfit,
		&p.Profit, &p.Swap, &p.Commission, &status, &openedAt, &updatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	p.OpenedAt = parseTime(openedAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
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
