package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// ConfigStore implements storage.ConfigStore using PostgreSQL.
// Configurations are stored as JSONB documents; the override link lives in
// key columns with (0, 0) addressing the symbol-wide row.
type ConfigStore struct {
	pool *Pool
}

// NewConfigStore creates a new ConfigStore.
func NewConfigStore(pool *Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ConfigStore = (*ConfigStore)(nil)

// GetGlobal retrieves the global configuration. Returns ErrNotFound if never stored.
func (s *ConfigStore) GetGlobal(ctx context.Context) (*domain.MTFConfig, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM mtf_config WHERE id = 1`).Scan(&body)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get global config: %w", err)
	}

	var cfg domain.MTFConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("decode global config: %w", err)
	}
	return &cfg, nil
}

// PutGlobal replaces the global configuration.
func (s *ConfigStore) PutGlobal(ctx context.Context, cfg *domain.MTFConfig) error {
	if cfg == nil {
		return storage.ErrInvalidInput
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode global config: %w", err)
	}

	query := `
		INSERT INTO mtf_config (id, version, body, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET version = EXCLUDED.version, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.pool.Exec(ctx, query, cfg.Version, string(body), cfg.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("put global config: %w", err)
	}
	return nil
}

// GetOverride retrieves the override for (symbol, link). Returns ErrNotFound if not exists.
func (s *ConfigStore) GetOverride(ctx context.Context, symbol string, link *domain.LinkID) (*domain.MTFOverride, error) {
	userID, brokerLinkID := linkColumns(link)

	query := `
		SELECT symbol, user_id, broker_link_id, body
		FROM mtf_overrides
		WHERE symbol = $1 AND user_id = $2 AND broker_link_id = $3
	`
	o, err := scanOverride(s.pool.QueryRow(ctx, query, symbol, userID, brokerLinkID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get override: %w", err)
	}
	return o, nil
}

// PutOverride inserts or replaces an override.
func (s *ConfigStore) PutOverride(ctx context.Context, o *domain.MTFOverride) error {
	if o == nil || o.Symbol == "" {
		return storage.ErrInvalidInput
	}

	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	userID, brokerLinkID := linkColumns(o.Link)

	query := `
		INSERT INTO mtf_overrides (symbol, user_id, broker_link_id, body, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, user_id, broker_link_id) DO UPDATE
		SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.pool.Exec(ctx, query, o.Symbol, userID, brokerLinkID, string(body), o.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("put override: %w", err)
	}
	return nil
}

// DeleteOverride removes an override. Returns ErrNotFound if not exists.
func (s *ConfigStore) DeleteOverride(ctx context.Context, symbol string, link *domain.LinkID) error {
	userID, brokerLinkID := linkColumns(link)

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM mtf_overrides WHERE symbol = $1 AND user_id = $2 AND broker_link_id = $3`,
		symbol, userID, brokerLinkID,
	)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListOverrides retrieves all overrides ordered by symbol, symbol-wide first.
func (s *ConfigStore) ListOverrides(ctx context.Context) ([]*domain.MTFOverride, error) {
	query := `
		SELECT symbol, user_id, broker_link_id, body
		FROM mtf_overrides
		ORDER BY symbol ASC, user_id ASC, broker_link_id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	var result []*domain.MTFOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("scan override row: %w", err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate override rows: %w", err)
	}
	return result, nil
}

func scanOverride(row pgx.Row) (*domain.MTFOverride, error) {
	var symbol string
	var userID, brokerLinkID int64
	var body []byte

	if err := row.Scan(&symbol, &userID, &brokerLinkID, &body); err != nil {
		return nil, err
	}

	var o domain.MTFOverride
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("decode override: %w", err)
	}
	o.Symbol = symbol
	if userID != 0 || brokerLinkID != 0 {
		o.Link = &domain.LinkID{UserID: userID, BrokerLinkID: brokerLinkID}
	}
	return &o, nil
}

func linkColumns(link *domain.LinkID) (int64, int64) {
	if link == nil {
		return 0, 0
	}
	return link.UserID, link.BrokerLinkID
}
