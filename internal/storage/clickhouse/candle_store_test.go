package clickhouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

func closedCandle(symbol string, width int, start time.Time, price float64) *domain.Candle {
	return &domain.Candle{
		Symbol:       symbol,
		WidthMinutes: width,
		Start:        start,
		Open:         price,
		High:         price + 2,
		Low:          price - 2,
		Close:        price + 1,
		Volume:       100,
		Closed:       true,
	}
}

func TestCandleStore_UpsertAndRead(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(conn)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

	var candles []*domain.Candle
	for i := 0; i < 6; i++ {
		candles = append(candles, closedCandle("AAPL", 5, base.Add(time.Duration(i)*5*time.Minute), 100+float64(i)))
	}

	inserted, err := store.UpsertBulk(ctx, candles)
	require.NoError(t, err)
	assert.Equal(t, 6, inserted)

	recent, err := store.GetRecent(ctx, "AAPL", 5, 4)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.True(t, recent[0].Start.Equal(base.Add(10*time.Minute)))
	assert.True(t, recent[3].Start.Equal(base.Add(25*time.Minute)))
	assert.True(t, recent[0].Closed)

	rng, err := store.GetRange(ctx, "AAPL", 5, base, base.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Len(t, rng, 3)

	count, err := store.Count(ctx, "AAPL", 5)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestCandleStore_ReupsertReplaces(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(conn)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

	_, err := store.UpsertBulk(ctx, []*domain.Candle{closedCandle("MSFT", 15, start, 300)})
	require.NoError(t, err)

	inserted, err := store.UpsertBulk(ctx, []*domain.Candle{closedCandle("MSFT", 15, start, 310)})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	latest, err := store.Latest(ctx, "MSFT", 15)
	require.NoError(t, err)
	assert.Equal(t, 310.0, latest.Open)

	count, err := store.Count(ctx, "MSFT", 15)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCandleStore_EmptySeries(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(conn)
	ctx := context.Background()

	_, err := store.Oldest(ctx, "NONE", 60)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	recent, err := store.GetRecent(ctx, "NONE", 60, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
