// Package export writes stored candle history to files.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// Bar is one candle as a parquet row.
type Bar struct {
	Symbol       string  `parquet:"symbol"`
	WidthMinutes int32   `parquet:"width_minutes"`
	Timestamp    int64   `parquet:"t"` // bucket start, Unix ms
	Open         float64 `parquet:"o"`
	High         float64 `parquet:"h"`
	Low          float64 `parquet:"l"`
	Close        float64 `parquet:"c"`
	Volume       int64   `parquet:"v"`
}

// BarOf converts a candle.
func BarOf(c *domain.Candle) Bar {
	return Bar{
		Symbol:       c.Symbol,
		WidthMinutes: int32(c.WidthMinutes),
		Timestamp:    c.Start.UnixMilli(),
		Open:         c.Open,
		High:         c.High,
		Low:          c.Low,
		Close:        c.Close,
		Volume:       c.Volume,
	}
}

// Candle converts a bar back. The result is always closed.
func (b Bar) Candle() *domain.Candle {
	return &domain.Candle{
		Symbol:       b.Symbol,
		WidthMinutes: int(b.WidthMinutes),
		Start:        time.UnixMilli(b.Timestamp).UTC(),
		Open:         b.Open,
		High:         b.High,
		Low:          b.Low,
		Close:        b.Close,
		Volume:       b.Volume,
		Closed:       true,
	}
}

// WriteBars writes candles to path, replacing any existing file.
func WriteBars(path string, candles []*domain.Candle) error {
	rows := make([]Bar, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, BarOf(c))
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadBars reads a file written by WriteBars.
func ReadBars(path string) ([]*domain.Candle, error) {
	rows, err := parquet.ReadFile[Bar](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make([]*domain.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Candle())
	}
	return out, nil
}

// Exporter dumps candle ranges from a store, one file per symbol and width.
type Exporter struct {
	candles storage.CandleStore
	dir     string
}

// NewExporter creates an Exporter writing under dir.
func NewExporter(candles storage.CandleStore, dir string) *Exporter {
	return &Exporter{candles: candles, dir: dir}
}

// FileName returns the file name used for (symbol, width).
func FileName(symbol string, widthMinutes int) string {
	return fmt.Sprintf("%s_%dm.parquet", symbol, widthMinutes)
}

// Export writes candles of symbol with start in [from, to). It returns the
// file path and the number of rows; no file is written for an empty range.
func (e *Exporter) Export(ctx context.Context, symbol string, widthMinutes int, from, to time.Time) (string, int, error) {
	candles, err := e.candles.GetRange(ctx, symbol, widthMinutes, from, to)
	if err != nil {
		return "", 0, fmt.Errorf("get range %s/%dm: %w", symbol, widthMinutes, err)
	}
	if len(candles) == 0 {
		return "", 0, nil
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create %s: %w", e.dir, err)
	}
	path := filepath.Join(e.dir, FileName(symbol, widthMinutes))
	if err := WriteBars(path, candles); err != nil {
		return "", 0, err
	}
	return path, len(candles), nil
}
