package clickhouse

import (
	"context"
	"fmt"
	"time"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/observability"
	"mtf-feed/internal/storage"
)

// CandleStore implements storage.CandleStore using ClickHouse.
// Rows live in a ReplacingMergeTree keyed by (symbol, width_minutes, start);
// every read uses FINAL so a re-upserted bucket is seen once.
type CandleStore struct {
	conn *Conn
}

// NewCandleStore creates a new CandleStore.
func NewCandleStore(conn *Conn) *CandleStore {
	return &CandleStore{conn: conn}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// UpsertBulk merges closed candles. Returns the number of keys not stored before.
func (s *CandleStore) UpsertBulk(ctx context.Context, candles []*domain.Candle) (inserted int, err error) {
	if len(candles) == 0 {
		return 0, nil
	}
	started := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "candles_upsert", time.Since(started).Seconds(), err)
	}()

	type key struct {
		symbol string
		width  int
		start  int64
	}
	// Last write within the batch wins
	batchRows := make(map[key]*domain.Candle, len(candles))
	var order []key
	for _, c := range candles {
		if c == nil || c.Symbol == "" || c.WidthMinutes <= 0 {
			return 0, storage.ErrInvalidInput
		}
		k := key{c.Symbol, c.WidthMinutes, c.Start.UTC().UnixMilli()}
		if _, ok := batchRows[k]; !ok {
			order = append(order, k)
		}
		batchRows[k] = c
	}

	for _, k := range order {
		exists, err := s.exists(ctx, k.symbol, k.width, time.UnixMilli(k.start).UTC())
		if err != nil {
			return 0, fmt.Errorf("check exists: %w", err)
		}
		if !exists {
			inserted++
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO candles (
			symbol, width_minutes, start, open, high, low, close, volume, inserted_at
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}

	now := time.Now().UTC()
	for i, k := range order {
		c := batchRows[k]
		err = batch.Append(
			c.Symbol, uint16(c.WidthMinutes), c.Start.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume,
			// strictly increasing version so the newest row wins on merge
			now.Add(time.Duration(i)*time.Millisecond),
		)
		if err != nil {
			return 0, fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}

	return inserted, nil
}

// GetRecent retrieves the newest limit candles, ordered by start ASC.
func (s *CandleStore) GetRecent(ctx context.Context, symbol string, widthMinutes, limit int) ([]*domain.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT symbol, width_minutes, start, open, high, low, close, volume
		FROM (
			SELECT symbol, width_minutes, start, open, high, low, close, volume
			FROM candles FINAL
			WHERE symbol = ? AND width_minutes = ?
			ORDER BY start DESC
			LIMIT ?
		)
		ORDER BY start ASC
	`

	rows, err := s.conn.Query(ctx, query, symbol, uint16(widthMinutes), uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent candles: %w", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// GetRange retrieves candles with start in [from, to), ordered by start ASC.
func (s *CandleStore) GetRange(ctx context.Context, symbol string, widthMinutes int, from, to time.Time) (candles []*domain.Candle, err error) {
	started := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "candles_range", time.Since(started).Seconds(), err)
	}()

	query := `
		SELECT symbol, width_minutes, start, open, high, low, close, volume
		FROM candles FINAL
		WHERE symbol = ? AND width_minutes = ? AND start >= ? AND start < ?
		ORDER BY start ASC
	`

	rows, err := s.conn.Query(ctx, query, symbol, uint16(widthMinutes), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query candle range: %w", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// Latest retrieves the newest candle. Returns ErrNotFound if none exists.
func (s *CandleStore) Latest(ctx context.Context, symbol string, widthMinutes int) (*domain.Candle, error) {
	return s.edge(ctx, symbol, widthMinutes, "DESC")
}

// Oldest retrieves the oldest candle. Returns ErrNotFound if none exists.
func (s *CandleStore) Oldest(ctx context.Context, symbol string, widthMinutes int) (*domain.Candle, error) {
	return s.edge(ctx, symbol, widthMinutes, "ASC")
}

// Count returns the number of stored candles.
func (s *CandleStore) Count(ctx context.Context, symbol string, widthMinutes int) (int, error) {
	query := `
		SELECT count(*) FROM candles FINAL
		WHERE symbol = ? AND width_minutes = ?
	`

	var count uint64
	if err := s.conn.QueryRow(ctx, query, symbol, uint16(widthMinutes)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count candles: %w", err)
	}
	return int(count), nil
}

func (s *CandleStore) edge(ctx context.Context, symbol string, widthMinutes int, dir string) (*domain.Candle, error) {
	query := fmt.Sprintf(`
		SELECT symbol, width_minutes, start, open, high, low, close, volume
		FROM candles FINAL
		WHERE symbol = ? AND width_minutes = ?
		ORDER BY start %s
		LIMIT 1
	`, dir)

	rows, err := s.conn.Query(ctx, query, symbol, uint16(widthMinutes))
	if err != nil {
		return nil, fmt.Errorf("query edge candle: %w", err)
	}
	defer rows.Close()

	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, storage.ErrNotFound
	}
	return candles[0], nil
}

// exists checks if a candle with the given key exists.
func (s *CandleStore) exists(ctx context.Context, symbol string, widthMinutes int, start time.Time) (bool, error) {
	query := `
		SELECT count(*) FROM candles
		WHERE symbol = ? AND width_minutes = ? AND start = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, symbol, uint16(widthMinutes), start).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanCandles scans multiple rows. Stored candles are always closed.
func scanCandles(rows chRows) ([]*domain.Candle, error) {
	var candles []*domain.Candle

	for rows.Next() {
		var c domain.Candle
		var width uint16

		err := rows.Scan(
			&c.Symbol, &width, &c.Start,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume,
		)
		if err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}

		c.WidthMinutes = int(width)
		c.Start = c.Start.UTC()
		c.Closed = true
		candles = append(candles, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}

	return candles, nil
}
