package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/observability"
	"mtf-feed/internal/storage"
)

// EventStore implements storage.EventStore using PostgreSQL.
//
// Append increments the single event_seq counter row and inserts the event in
// one transaction. The row lock taken by the UPDATE serializes writers, so
// events become visible in sequence order and no value is skipped or reused.
type EventStore struct {
	pool *Pool
}

// NewEventStore creates a new EventStore.
func NewEventStore(pool *Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.EventStore = (*EventStore)(nil)

// Append assigns the next sequence number and inserts the event.
func (s *EventStore) Append(ctx context.Context, e *domain.Event) (_ int64, err error) {
	if e == nil || e.Type == "" {
		return 0, storage.ErrInvalidInput
	}
	started := time.Now()
	defer func() {
		observability.RecordDBQuery("postgres", "events_append", time.Since(started).Seconds(), err)
	}()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx, `UPDATE event_seq SET last = last + 1 WHERE id = 1 RETURNING last`).Scan(&seq)
	if err != nil {
		if isNotFoundError(err) {
			// counter row missing
			return 0, storage.ErrSequenceCorrupted
		}
		return 0, fmt.Errorf("increment event sequence: %w", err)
	}

	query := `
		INSERT INTO events (
			seq, type, scope_kind, scope_user_id, scope_broker_link_id, payload, ts,
			signal_id, intent_id, trade_id, order_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.Exec(ctx, query,
		seq,
		e.Type,
		string(e.Scope.Kind),
		e.Scope.UserID,
		e.Scope.BrokerLinkID,
		jsonOrNull(e.Payload),
		e.Timestamp.UTC(),
		nullString(e.SignalID),
		nullString(e.IntentID),
		nullString(e.TradeID),
		nullString(e.OrderID),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			// counter fell behind rows already written
			return 0, storage.ErrSequenceCorrupted
		}
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit event: %w", err)
	}
	return seq, nil
}

// ListAfter retrieves at most limit visible events with seq > afterSeq, ordered by seq ASC.
func (s *EventStore) ListAfter(ctx context.Context, afterSeq int64, limit int, reader domain.ReaderScope) ([]*domain.Event, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT seq, type, scope_kind, scope_user_id, scope_broker_link_id, payload, ts,
			signal_id, intent_id, trade_id, order_id
		FROM events
		WHERE seq > $1::bigint
			AND (
				scope_kind = 'GLOBAL'
				OR (scope_kind = 'USER' AND scope_user_id = $2)
				OR (scope_kind = 'USER_BROKER' AND scope_user_id = $2 AND ($3::bigint = 0 OR scope_broker_link_id = $3))
			)
		ORDER BY seq ASC
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, afterSeq, reader.UserID, reader.BrokerLinkID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LatestSeq returns the highest committed sequence number.
func (s *EventStore) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT last FROM event_seq WHERE id = 1`).Scan(&seq)
	if err != nil {
		if isNotFoundError(err) {
			return 0, storage.ErrSequenceCorrupted
		}
		return 0, fmt.Errorf("read event sequence: %w", err)
	}
	return seq, nil
}

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var e domain.Event
	var kind string
	var payload []byte
	var signalID, intentID, tradeID, orderID *string

	err := row.Scan(
		&e.Seq, &e.Type, &kind, &e.Scope.UserID, &e.Scope.BrokerLinkID, &payload, &e.Timestamp,
		&signalID, &intentID, &tradeID, &orderID,
	)
	if err != nil {
		return nil, err
	}

	e.Scope.Kind = domain.ScopeKind(kind)
	e.Payload = payload
	e.Timestamp = e.Timestamp.UTC()
	e.SignalID = derefString(signalID)
	e.IntentID = derefString(intentID)
	e.TradeID = derefString(tradeID)
	e.OrderID = derefString(orderID)
	return &e, nil
}
