package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// candleSeriesKey partitions candles by symbol and width.
type candleSeriesKey struct {
	Symbol       string
	WidthMinutes int
}

// CandleStore is an in-memory implementation of storage.CandleStore.
type CandleStore struct {
	mu     sync.RWMutex
	series map[candleSeriesKey]map[int64]*domain.Candle // keyed by start unix seconds
}

// NewCandleStore creates a new in-memory candle store.
func NewCandleStore() *CandleStore {
	return &CandleStore{
		series: make(map[candleSeriesKey]map[int64]*domain.Candle),
	}
}

// UpsertBulk merges closed candles keyed by (symbol, width, start).
func (s *CandleStore) UpsertBulk(_ context.Context, candles []*domain.Candle) (int, error) {
	for _, c := range candles {
		if c == nil || c.Symbol == "" || c.WidthMinutes <= 0 {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, c := range candles {
		key := candleSeriesKey{Symbol: c.Symbol, WidthMinutes: c.WidthMinutes}
		m, ok := s.series[key]
		if !ok {
			m = make(map[int64]*domain.Candle)
			s.series[key] = m
		}
		start := c.Start.UTC().Unix()
		if _, exists := m[start]; !exists {
			inserted++
		}
		candleCopy := *c
		candleCopy.Start = c.Start.UTC()
		m[start] = &candleCopy
	}
	return inserted, nil
}

// GetRecent retrieves the newest limit candles, ordered by start ASC.
func (s *CandleStore) GetRecent(_ context.Context, symbol string, widthMinutes, limit int) ([]*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sorted(symbol, widthMinutes)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// GetRange retrieves candles with start in [from, to), ordered by start ASC.
func (s *CandleStore) GetRange(_ context.Context, symbol string, widthMinutes int, from, to time.Time) ([]*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Candle
	for _, c := range s.sorted(symbol, widthMinutes) {
		if !c.Start.Before(from) && c.Start.Before(to) {
			result = append(result, c)
		}
	}
	return result, nil
}

// Latest retrieves the newest candle. Returns ErrNotFound if none exists.
func (s *CandleStore) Latest(_ context.Context, symbol string, widthMinutes int) (*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sorted(symbol, widthMinutes)
	if len(all) == 0 {
		return nil, storage.ErrNotFound
	}
	return all[len(all)-1], nil
}

// Oldest retrieves the oldest candle. Returns ErrNotFound if none exists.
func (s *CandleStore) Oldest(_ context.Context, symbol string, widthMinutes int) (*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sorted(symbol, widthMinutes)
	if len(all) == 0 {
		return nil, storage.ErrNotFound
	}
	return all[0], nil
}

// Count returns the number of stored candles.
func (s *CandleStore) Count(_ context.Context, symbol string, widthMinutes int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.series[candleSeriesKey{Symbol: symbol, WidthMinutes: widthMinutes}]), nil
}

// sorted returns copies of one series ordered by start. Caller holds the lock.
func (s *CandleStore) sorted(symbol string, widthMinutes int) []*domain.Candle {
	m := s.series[candleSeriesKey{Symbol: symbol, WidthMinutes: widthMinutes}]
	result := make([]*domain.Candle, 0, len(m))
	for _, c := range m {
		candleCopy := *c
		result = append(result, &candleCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Start.Before(result[j].Start)
	})
	return result
}

// Verify interface compliance at compile time.
var _ storage.CandleStore = (*CandleStore)(nil)
