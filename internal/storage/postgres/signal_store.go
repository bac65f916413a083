package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// SignalStore implements storage.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *Pool
}

// NewSignalStore creates a new SignalStore.
func NewSignalStore(pool *Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SignalStore = (*SignalStore)(nil)

const signalColumns = `
	signal_id, user_id, broker_link_id, symbol, direction, score, tier,
	entry, target, stretch, stop, trends, generated_at, expires_at, status
`

// Insert adds a new signal. Returns ErrDuplicateKey if signal_id exists.
func (s *SignalStore) Insert(ctx context.Context, sig *domain.Signal) error {
	if sig == nil || sig.ID == "" {
		return storage.ErrInvalidInput
	}

	trends, err := json.Marshal(sig.Trends)
	if err != nil {
		return fmt.Errorf("encode trends: %w", err)
	}

	query := `INSERT INTO signals (` + signalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = s.pool.Exec(ctx, query,
		sig.ID,
		sig.Link.UserID,
		sig.Link.BrokerLinkID,
		sig.Symbol,
		string(sig.Direction),
		sig.Score,
		string(sig.Tier),
		sig.Entry,
		sig.Target,
		sig.Stretch,
		sig.Stop,
		string(trends),
		sig.GeneratedAt.UTC(),
		sig.ExpiresAt.UTC(),
		string(sig.Status),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetByID retrieves a signal. Returns ErrNotFound if not exists.
func (s *SignalStore) GetByID(ctx context.Context, id string) (*domain.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE signal_id = $1`

	sig, err := scanSignal(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get signal by id: %w", err)
	}
	return sig, nil
}

// ExpireBefore marks ACTIVE signals with expires_at <= now as EXPIRED and returns them.
func (s *SignalStore) ExpireBefore(ctx context.Context, now time.Time) ([]*domain.Signal, error) {
	query := `
		UPDATE signals SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND expires_at <= $1
		RETURNING ` + signalColumns

	rows, err := s.pool.Query(ctx, query, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("expire signals: %w", err)
	}
	defer rows.Close()

	signals, err := scanSignals(rows)
	if err != nil {
		return nil, err
	}
	sortSignals(signals)
	return signals, nil
}

// ListActive retrieves ACTIVE signals for a link ordered by generation time.
func (s *SignalStore) ListActive(ctx context.Context, link domain.LinkID) ([]*domain.Signal, error) {
	query := `SELECT ` + signalColumns + `
		FROM signals
		WHERE user_id = $1 AND broker_link_id = $2 AND status = 'ACTIVE'
		ORDER BY generated_at ASC, signal_id ASC`

	rows, err := s.pool.Query(ctx, query, link.UserID, link.BrokerLinkID)
	if err != nil {
		return nil, fmt.Errorf("query active signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

func scanSignal(row pgx.Row) (*domain.Signal, error) {
	var sig domain.Signal
	var direction, tier, status string
	var trends []byte

	err := row.Scan(
		&sig.ID, &sig.Link.UserID, &sig.Link.BrokerLinkID, &sig.Symbol, &direction, &sig.Score, &tier,
		&sig.Entry, &sig.Target, &sig.Stretch, &sig.Stop, &trends, &sig.GeneratedAt, &sig.ExpiresAt, &status,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(trends, &sig.Trends); err != nil {
		return nil, fmt.Errorf("decode trends: %w", err)
	}
	sig.Direction = domain.Direction(direction)
	sig.Tier = domain.StrengthTier(tier)
	sig.Status = domain.SignalStatus(status)
	sig.GeneratedAt = sig.GeneratedAt.UTC()
	sig.ExpiresAt = sig.ExpiresAt.UTC()
	return &sig, nil
}

func scanSignals(rows pgx.Rows) ([]*domain.Signal, error) {
	var signals []*domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal row: %w", err)
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signal rows: %w", err)
	}
	return signals, nil
}

func sortSignals(signals []*domain.Signal) {
	sort.Slice(signals, func(i, j int) bool {
		if !signals[i].GeneratedAt.Equal(signals[j].GeneratedAt) {
			return signals[i].GeneratedAt.Before(signals[j].GeneratedAt)
		}
		return signals[i].ID < signals[j].ID
	})
}
