package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage/memory"
)

func testCandles(symbol string, n int) []*domain.Candle {
	start := time.Date(2024, 5, 6, 13, 30, 0, 0, time.UTC)
	out := make([]*domain.Candle, 0, n)
	for i := 0; i < n; i++ {
		base := 100 + float64(i)
		out = append(out, &domain.Candle{
			Symbol:       symbol,
			WidthMinutes: 5,
			Start:        start.Add(time.Duration(i) * 5 * time.Minute),
			Open:         base,
			High:         base + 1,
			Low:          base - 1,
			Close:        base + 0.5,
			Volume:       int64(1000 + i),
			Closed:       true,
		})
	}
	return out
}

func TestWriteReadBars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.parquet")
	candles := testCandles("AAPL", 3)

	require.NoError(t, WriteBars(path, candles))
	got, err := ReadBars(path)
	require.NoError(t, err)
	assert.Equal(t, candles, got)
}

func TestExporter_Export(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCandleStore()
	candles := testCandles("MSFT", 6)
	_, err := store.UpsertBulk(ctx, candles)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "out")
	e := NewExporter(store, dir)

	path, n, err := e.Export(ctx, "MSFT", 5, candles[1].Start, candles[4].Start)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, filepath.Join(dir, "MSFT_5m.parquet"), path)

	got, err := ReadBars(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, candles[1].Start, got[0].Start)

	path, n, err = e.Export(ctx, "MSFT", 15, candles[0].Start, candles[5].End())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, path)
}
