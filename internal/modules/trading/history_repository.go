package trading

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// historyColumns is the list of columns for the trade_history table.
// Column order must match scanTradeRecord expectations.
const historyColumns = `id, profile_id, ticket, symbol, side, volume, open_price, close_price, profit, swap, commission, close_reason, opened_at, closed_at`

// HistoryRepository archives closed positions
type HistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepository creates a trade history repository on the core database
func NewHistoryRepository(db *sql.DB, log zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:  db,
		log: log.With().Str("repo", "trade_history").Logger(),
	}
}

// Create archives one closed position
func (r *HistoryRepository) Create(tr domain.TradeRecord) error {
	query := `
		INSERT INTO trade_history
		(id, profile_id, ticket, symbol, side, volume, open_price, close_price,
		 profit, swap, commission, close_reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		tr.ID, tr.ProfileID, tr.Ticket, tr.Symbol, string(tr.Side),
		tr.Volume, tr.OpenPrice, tr.ClosePrice, tr.Profit, tr.Swap, tr.Commission,
		tr.CloseReason,
		tr.OpenedAt.UTC().Format(time.RFC3339Nano),
		tr.ClosedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create trade record: %w", err)
	}

	r.log.Info().
		Str("profile_id", tr.ProfileID).
		Int64("ticket", tr.Ticket).
		Str("symbol", tr.Symbol).
		Float64("profit", tr.Profit).
		Msg("Trade archived")
	return nil
}

// ListByProfile retrieves recent trade history, most recent first
func (r *HistoryRepository) ListByProfile(profileID string, limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + historyColumns + " FROM trade_history WHERE profile_id = ? ORDER BY closed_at DESC LIMIT ?"
	return r.list(query, profileID, limit)
}

// ListInRange retrieves trades closed within [start, end], oldest first.
// Evidence bundles use this.
func (r *HistoryRepository) ListInRange(profileID string, start, end time.Time) ([]domain.TradeRecord, error) {
	query := "SELECT " + historyColumns + ` FROM trade_history
		WHERE profile_id = ? AND closed_at >= ? AND closed_at <= ?
		ORDER BY closed_at ASC`
	return r.list(query, profileID,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	)
}

func (r *HistoryRepository) list(query string, args ...interface{}) ([]domain.TradeRecord, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trade history: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		tr, err := scanTradeRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade record: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade history: %w", err)
	}
	return out, nil
}

// scanTradeRecord reads one trade history row
func scanTradeRecord(s scanner) (domain.TradeRecord, error) {
	var tr domain.TradeRecord
	var side, openedAt, closedAt string

	err := s.Scan(
		&tr.ID, &tr.ProfileID, &tr.Ticket, &tr.Symbol, &side,
		&tr.Volume, &tr.OpenPrice, &tr.ClosePrice, &tr.Profit, &tr.Swap,
		&tr.Commission, &tr.CloseReason, &openedAt, &closedAt,
	)
	if err != nil {
		return domain.TradeRecord{}, err
	}

	tr.Side = domain.PositionSide(side)
	tr.OpenedAt = parseTime(openedAt)
	tr.ClosedAt = parseTime(closedAt)
	return tr, nil
}
