package postgres

import (
	"context"
	"fmt"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// WatchlistStore implements storage.WatchlistStore using PostgreSQL.
type WatchlistStore struct {
	pool *Pool
}

// NewWatchlistStore creates a new WatchlistStore.
func NewWatchlistStore(pool *Pool) *WatchlistStore {
	return &WatchlistStore{pool: pool}
}

// Compile-time interface check.
var _ storage.WatchlistStore = (*WatchlistStore)(nil)

// Put inserts or replaces a watchlist entry. Replacing keeps the original position.
func (s *WatchlistStore) Put(ctx context.Context, e *domain.WatchlistEntry) error {
	if e == nil || e.Symbol == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO watchlist_entries (user_id, broker_link_id, symbol, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, broker_link_id, symbol) DO UPDATE
		SET enabled = EXCLUDED.enabled
	`
	if _, err := s.pool.Exec(ctx, query, e.Link.UserID, e.Link.BrokerLinkID, e.Symbol, e.Enabled); err != nil {
		return fmt.Errorf("put watchlist entry: %w", err)
	}
	return nil
}

// EnabledSymbols returns the distinct enabled symbols of a link in insertion order.
func (s *WatchlistStore) EnabledSymbols(ctx context.Context, link domain.LinkID) ([]string, error) {
	query := `
		SELECT symbol
		FROM watchlist_entries
		WHERE user_id = $1 AND broker_link_id = $2 AND enabled
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query, link.UserID, link.BrokerLinkID)
	if err != nil {
		return nil, fmt.Errorf("query watchlist: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("scan watchlist row: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watchlist rows: %w", err)
	}
	return symbols, nil
}
