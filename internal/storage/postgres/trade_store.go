package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// TradeStore implements storage.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

const tradeColumns = `
	trade_id, intent_id, signal_id, user_id, broker_link_id, symbol, direction,
	entry_time, entry_price, stop, risk_fraction,
	exit_time, exit_price, exit_reason,
	peak_price, gross_return, r_multiple, log_return, outcome_class
`

// Insert adds a new trade. Returns ErrDuplicateKey if trade_id exists.
func (s *TradeStore) Insert(ctx context.Context, t *domain.Trade) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `INSERT INTO trades (` + tradeColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8, $9, $10, $11,
		$12, $13, $14,
		$15, $16, $17, $18, $19
	)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.IntentID, t.SignalID, t.Link.UserID, t.Link.BrokerLinkID, t.Symbol, string(t.Direction),
		t.EntryTime.UTC(), t.EntryPrice, t.Stop, t.RiskFraction,
		t.ExitTime.UTC(), t.ExitPrice, t.ExitReason,
		t.PeakPrice, t.GrossReturn, t.RMultiple, t.LogReturn, t.OutcomeClass,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetByID retrieves a trade by its id. Returns ErrNotFound if not exists.
func (s *TradeStore) GetByID(ctx context.Context, id string) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE trade_id = $1`

	t, err := scanTrade(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get trade by id: %w", err)
	}
	return t, nil
}

// ListByLink retrieves the trades of a link ordered by exit time ASC, id ASC.
func (s *TradeStore) ListByLink(ctx context.Context, link domain.LinkID) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades
		WHERE user_id = $1 AND broker_link_id = $2
		ORDER BY exit_time ASC, trade_id ASC`

	rows, err := s.pool.Query(ctx, query, link.UserID, link.BrokerLinkID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}
	return trades, nil
}

func scanTrade(row pgx.Row) (*domain.Trade, error) {
	var t domain.Trade
	var direction string

	err := row.Scan(
		&t.ID, &t.IntentID, &t.SignalID, &t.Link.UserID, &t.Link.BrokerLinkID, &t.Symbol, &direction,
		&t.EntryTime, &t.EntryPrice, &t.Stop, &t.RiskFraction,
		&t.ExitTime, &t.ExitPrice, &t.ExitReason,
		&t.PeakPrice, &t.GrossReturn, &t.RMultiple, &t.LogReturn, &t.OutcomeClass,
	)
	if err != nil {
		return nil, err
	}
	t.Direction = domain.Direction(direction)
	t.EntryTime = t.EntryTime.UTC()
	t.ExitTime = t.ExitTime.UTC()
	return &t, nil
}
