package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// SignalStore is an in-memory implementation of storage.SignalStore.
type SignalStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Signal // keyed by signal id
}

// NewSignalStore creates a new in-memory signal store.
func NewSignalStore() *SignalStore {
	return &SignalStore{
		data: make(map[string]*domain.Signal),
	}
}

// Insert adds a new signal. Returns ErrDuplicateKey if the id exists.
func (s *SignalStore) Insert(_ context.Context, sig *domain.Signal) error {
	if sig == nil || sig.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[sig.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[sig.ID] = cloneSignal(sig)
	return nil
}

// GetByID retrieves a signal. Returns ErrNotFound if not exists.
func (s *SignalStore) GetByID(_ context.Context, id string) (*domain.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneSignal(sig), nil
}

// ExpireBefore marks ACTIVE signals with ExpiresAt <= now as EXPIRED and returns them.
func (s *SignalStore) ExpireBefore(_ context.Context, now time.Time) ([]*domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*domain.Signal
	for _, sig := range s.data {
		if sig.Status == domain.SignalActive && !sig.ExpiresAt.After(now) {
			sig.Status = domain.SignalExpired
			expired = append(expired, cloneSignal(sig))
		}
	}
	sortSignals(expired)
	return expired, nil
}

// ListActive retrieves ACTIVE signals for a link ordered by generation time.
func (s *SignalStore) ListActive(_ context.Context, link domain.LinkID) ([]*domain.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Signal
	for _, sig := range s.data {
		if sig.Link == link && sig.Status == domain.SignalActive {
			result = append(result, cloneSignal(sig))
		}
	}
	sortSignals(result)
	return result, nil
}

func sortSignals(signals []*domain.Signal) {
	sort.Slice(signals, func(i, j int) bool {
		if !signals[i].GeneratedAt.Equal(signals[j].GeneratedAt) {
			return signals[i].GeneratedAt.Before(signals[j].GeneratedAt)
		}
		return signals[i].ID < signals[j].ID
	})
}

func cloneSignal(sig *domain.Signal) *domain.Signal {
	signalCopy := *sig
	signalCopy.Trends = append([]domain.TimeframeTrend(nil), sig.Trends...)
	return &signalCopy
}

// Verify interface compliance at compile time.
var _ storage.SignalStore = (*SignalStore)(nil)
