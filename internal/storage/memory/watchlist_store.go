package memory

import (
	"context"
	"sync"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// WatchlistStore is an in-memory implementation of storage.WatchlistStore.
type WatchlistStore struct {
	mu      sync.RWMutex
	entries map[domain.LinkID][]*domain.WatchlistEntry // insertion order
}

// NewWatchlistStore creates a new in-memory watchlist store.
func NewWatchlistStore() *WatchlistStore {
	return &WatchlistStore{
		entries: make(map[domain.LinkID][]*domain.WatchlistEntry),
	}
}

// Put inserts or replaces a watchlist entry, keeping its original position.
func (s *WatchlistStore) Put(_ context.Context, e *domain.WatchlistEntry) error {
	if e == nil || e.Symbol == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *e
	list := s.entries[e.Link]
	for i, existing := range list {
		if existing.Symbol == e.Symbol {
			list[i] = &entryCopy
			return nil
		}
	}
	s.entries[e.Link] = append(list, &entryCopy)
	return nil
}

// EnabledSymbols returns the distinct enabled symbols of a link in insertion order.
func (s *WatchlistStore) EnabledSymbols(_ context.Context, link domain.LinkID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var symbols []string
	for _, e := range s.entries[link] {
		if !e.Enabled || seen[e.Symbol] {
			continue
		}
		seen[e.Symbol] = true
		symbols = append(symbols, e.Symbol)
	}
	return symbols, nil
}

// Verify interface compliance at compile time.
var _ storage.WatchlistStore = (*WatchlistStore)(nil)
