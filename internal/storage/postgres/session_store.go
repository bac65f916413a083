package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// SessionStore implements storage.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *Pool
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(pool *Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SessionStore = (*SessionStore)(nil)

// Put stores sess as the latest session for its link.
func (s *SessionStore) Put(ctx context.Context, sess *domain.Session) error {
	if sess == nil || sess.AccessToken == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO broker_sessions (
			user_id, broker_link_id, provider_code, access_token, session_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, broker_link_id) DO UPDATE
		SET provider_code = EXCLUDED.provider_code,
			access_token = EXCLUDED.access_token,
			session_id = EXCLUDED.session_id,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		sess.Link.UserID,
		sess.Link.BrokerLinkID,
		sess.ProviderCode,
		sess.AccessToken,
		sess.SessionID,
		sess.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetLatest retrieves the latest session for a link. Returns ErrNotFound if not exists.
func (s *SessionStore) GetLatest(ctx context.Context, link domain.LinkID) (*domain.Session, error) {
	query := `
		SELECT user_id, broker_link_id, provider_code, access_token, session_id, updated_at
		FROM broker_sessions
		WHERE user_id = $1 AND broker_link_id = $2
	`

	sess, err := scanSession(s.pool.QueryRow(ctx, query, link.UserID, link.BrokerLinkID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// List retrieves the latest session of every link ordered by link.
func (s *SessionStore) List(ctx context.Context) ([]*domain.Session, error) {
	query := `
		SELECT user_id, broker_link_id, provider_code, access_token, session_id, updated_at
		FROM broker_sessions
		ORDER BY user_id ASC, broker_link_id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return result, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var sess domain.Session
	err := row.Scan(
		&sess.Link.UserID,
		&sess.Link.BrokerLinkID,
		&sess.ProviderCode,
		&sess.AccessToken,
		&sess.SessionID,
		&sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}
