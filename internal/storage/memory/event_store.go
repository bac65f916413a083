package memory

import (
	"context"
	"sync"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// EventStore is an in-memory implementation of storage.EventStore.
// The sequence counter and the append share one lock, so a value is
// assigned and published in the same critical section.
type EventStore struct {
	mu     sync.RWMutex
	seq    int64
	events []*domain.Event
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

// Append assigns the next sequence number and stores the event.
func (s *EventStore) Append(_ context.Context, e *domain.Event) (int64, error) {
	if e == nil || e.Type == "" {
		return 0, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.seq + 1
	if n := len(s.events); n > 0 && s.events[n-1].Seq != s.seq {
		return 0, storage.ErrSequenceCorrupted
	}

	eventCopy := *e
	eventCopy.Seq = next
	eventCopy.Payload = append([]byte(nil), e.Payload...)
	s.events = append(s.events, &eventCopy)
	s.seq = next

	return next, nil
}

// ListAfter retrieves at most limit visible events with seq > afterSeq, ordered by seq ASC.
func (s *EventStore) ListAfter(_ context.Context, afterSeq int64, limit int, reader domain.ReaderScope) ([]*domain.Event, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// events is ordered by seq with seq == index+1, so start directly after the cursor.
	start := afterSeq
	if start < 0 {
		start = 0
	}

	var result []*domain.Event
	for i := start; i < int64(len(s.events)) && len(result) < limit; i++ {
		e := s.events[i]
		if !e.Scope.VisibleTo(reader) {
			continue
		}
		eventCopy := *e
		result = append(result, &eventCopy)
	}
	return result, nil
}

// LatestSeq returns the highest assigned sequence number.
func (s *EventStore) LatestSeq(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, nil
}

// Verify interface compliance at compile time.
var _ storage.EventStore = (*EventStore)(nil)
