package memory

import (
	"context"
	"sort"
	"sync"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// SessionStore is an in-memory implementation of storage.SessionStore.
type SessionStore struct {
	mu   sync.RWMutex
	data map[domain.LinkID]*domain.Session
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		data: make(map[domain.LinkID]*domain.Session),
	}
}

// Put stores s as the latest session for its link.
func (s *SessionStore) Put(_ context.Context, sess *domain.Session) error {
	if sess == nil || sess.AccessToken == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionCopy := *sess
	s.data[sess.Link] = &sessionCopy
	return nil
}

// GetLatest retrieves the latest session for a link. Returns ErrNotFound if not exists.
func (s *SessionStore) GetLatest(_ context.Context, link domain.LinkID) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.data[link]
	if !ok {
		return nil, storage.ErrNotFound
	}
	sessionCopy := *sess
	return &sessionCopy, nil
}

// List retrieves the latest session of every link ordered by link.
func (s *SessionStore) List(_ context.Context) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Session, 0, len(s.data))
	for _, sess := range s.data {
		sessionCopy := *sess
		result = append(result, &sessionCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Link.UserID != result[j].Link.UserID {
			return result[i].Link.UserID < result[j].Link.UserID
		}
		return result[i].Link.BrokerLinkID < result[j].Link.BrokerLinkID
	})
	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.SessionStore = (*SessionStore)(nil)
