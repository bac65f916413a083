package memory

import (
	"context"
	"sort"
	"sync"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// TradeStore is an in-memory implementation of storage.TradeStore.
type TradeStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Trade // keyed by trade id
}

// NewTradeStore creates a new in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		data: make(map[string]*domain.Trade),
	}
}

// Insert adds a new trade. Returns ErrDuplicateKey if the id exists.
func (s *TradeStore) Insert(_ context.Context, t *domain.Trade) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.ID]; exists {
		return storage.ErrDuplicateKey
	}

	tradeCopy := *t
	s.data[t.ID] = &tradeCopy
	return nil
}

// GetByID retrieves a trade by its id. Returns ErrNotFound if not exists.
func (s *TradeStore) GetByID(_ context.Context, id string) (*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}

	tradeCopy := *t
	return &tradeCopy, nil
}

// ListByLink retrieves the trades of a link ordered by exit time ASC, id ASC.
func (s *TradeStore) ListByLink(_ context.Context, link domain.LinkID) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Trade
	for _, t := range s.data {
		if t.Link == link {
			tradeCopy := *t
			result = append(result, &tradeCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExitTime.Equal(result[j].ExitTime) {
			return result[i].ExitTime.Before(result[j].ExitTime)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

var _ storage.TradeStore = (*TradeStore)(nil)
