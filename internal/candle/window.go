package candle

import (
	"sync"

	"mtf-feed/internal/domain"
)

// CapacityFunc returns how many closed candles to retain for (symbol, tf).
type CapacityFunc func(symbol string, tf domain.Timeframe) int

// Window retains the most recent closed candles per (symbol, timeframe),
// oldest first. It is the in-memory series the signal evaluator reads.
type Window struct {
	capacity CapacityFunc

	mu     sync.RWMutex
	series map[partitionKey][]domain.Candle
}

// NewWindow creates an empty window.
func NewWindow(capacity CapacityFunc) *Window {
	return &Window{
		capacity: capacity,
		series:   make(map[partitionKey][]domain.Candle),
	}
}

// Seed replaces the series of (symbol, tf) with candles, which must be ordered by start.
func (w *Window) Seed(symbol string, tf domain.Timeframe, candles []*domain.Candle) {
	out := make([]domain.Candle, 0, len(candles))
	for _, c := range candles {
		out = append(out, *c)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.series[partitionKey{symbol, tf}] = w.trim(symbol, tf, out)
}

// Push appends a closed candle. Candles not newer than the last one are
// ignored. A candle of a different width restarts the series.
func (w *Window) Push(tf domain.Timeframe, c domain.Candle) bool {
	key := partitionKey{c.Symbol, tf}

	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.series[key]
	if n := len(s); n > 0 {
		if s[n-1].WidthMinutes != c.WidthMinutes {
			s = nil
		} else if !c.Start.After(s[n-1].Start) {
			return false
		}
	}
	w.series[key] = w.trim(c.Symbol, tf, append(s, c))
	return true
}

// Series returns copies of the three series of symbol.
func (w *Window) Series(symbol string) map[domain.Timeframe][]domain.Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[domain.Timeframe][]domain.Candle, len(domain.AllTimeframes))
	for _, tf := range domain.AllTimeframes {
		s := w.series[partitionKey{symbol, tf}]
		out[tf] = append([]domain.Candle(nil), s...)
	}
	return out
}

// Len returns the number of candles retained for (symbol, tf).
func (w *Window) Len(symbol string, tf domain.Timeframe) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.series[partitionKey{symbol, tf}])
}

// Drop forgets every series of symbol.
func (w *Window) Drop(symbol string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tf := range domain.AllTimeframes {
		delete(w.series, partitionKey{symbol, tf})
	}
}

func (w *Window) trim(symbol string, tf domain.Timeframe, s []domain.Candle) []domain.Candle {
	limit := w.capacity(symbol, tf)
	if limit > 0 && len(s) > limit {
		s = append([]domain.Candle(nil), s[len(s)-limit:]...)
	}
	return s
}
