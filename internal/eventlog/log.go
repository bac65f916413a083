// Package eventlog is the sequenced, scope-filtered event log and the
// low-latency tick relay.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/observability"
	"mtf-feed/internal/storage"
)

// Read limits.
const (
	DefaultLimit = 200
	MaxLimit     = 2000
)

// FatalFunc is invoked once when the sequence invariant is found broken.
type FatalFunc func(err error)

// Options configures Log.
type Options struct {
	Store   storage.EventStore
	Logger  zerolog.Logger
	OnFatal FatalFunc
	Now     func() time.Time
}

// Emitter appends typed events. Satisfied by *Log.
type Emitter interface {
	Emit(ctx context.Context, eventType string, scope domain.Scope, payload any, corr Correlation) (int64, error)
}

var _ Emitter = (*Log)(nil)

// Correlation carries the optional correlation ids of an event.
type Correlation struct {
	SignalID string
	IntentID string
	TradeID  string
	OrderID  string
}

// ReadRequest is a catch-up read.
type ReadRequest struct {
	AfterSeq int64
	Limit    int
	Reader   domain.ReaderScope
}

// ReadResult is the response of ListAfterSeq.
type ReadResult struct {
	AfterSeq  int64
	LatestSeq int64
	Events    []*domain.Event
}

// Log appends events and serves catch-up reads. Appends from this process are
// serialized, so every returned sequence number must exceed the previous one;
// anything else is corruption and stops all further writes.
type Log struct {
	store   storage.EventStore
	logger  zerolog.Logger
	onFatal FatalFunc
	now     func() time.Time

	mu        sync.Mutex
	lastSeq   int64
	corrupted error
	fatalOnce sync.Once
}

// New creates a log.
func New(opts Options) *Log {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		store:   opts.Store,
		logger:  opts.Logger,
		onFatal: opts.OnFatal,
		now:     now,
	}
}

// Append stores e and returns its sequence number.
func (l *Log) Append(ctx context.Context, e *domain.Event) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.corrupted != nil {
		return 0, l.corrupted
	}

	seq, err := l.store.Append(ctx, e)
	if err != nil {
		if errors.Is(err, storage.ErrSequenceCorrupted) {
			return 0, l.fail(err)
		}
		return 0, fmt.Errorf("append event: %w", err)
	}
	if seq <= l.lastSeq {
		return 0, l.fail(fmt.Errorf("%w: assigned %d after %d", storage.ErrSequenceCorrupted, seq, l.lastSeq))
	}

	l.lastSeq = seq
	e.Seq = seq
	observability.RecordEventAppended(e.Type)
	return seq, nil
}

// Emit marshals payload and appends an event of the given type and scope.
func (l *Log) Emit(ctx context.Context, eventType string, scope domain.Scope, payload any, corr Correlation) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return l.Append(ctx, &domain.Event{
		Type:     eventType,
		Scope:    scope,
		Payload:  raw,
		SignalID: corr.SignalID,
		IntentID: corr.IntentID,
		TradeID:  corr.TradeID,
		OrderID:  corr.OrderID,
	})
}

// ListAfterSeq returns events with seq > AfterSeq visible to the reader, in
// sequence order. The limit is clamped to [1, MaxLimit], 0 meaning DefaultLimit.
func (l *Log) ListAfterSeq(ctx context.Context, req ReadRequest) (*ReadResult, error) {
	afterSeq := req.AfterSeq
	if afterSeq < 0 {
		afterSeq = 0
	}
	limit := ClampLimit(req.Limit)

	latest, err := l.store.LatestSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest seq: %w", err)
	}

	events, err := l.store.ListAfter(ctx, afterSeq, limit, req.Reader)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	prev := afterSeq
	for _, e := range events {
		if e.Seq <= prev {
			l.mu.Lock()
			err := l.fail(fmt.Errorf("%w: read %d after %d", storage.ErrSequenceCorrupted, e.Seq, prev))
			l.mu.Unlock()
			return nil, err
		}
		prev = e.Seq
	}
	// Events committed between the two queries may exceed the latest we read.
	if prev > latest {
		latest = prev
	}

	if events == nil {
		events = []*domain.Event{}
	}
	return &ReadResult{AfterSeq: afterSeq, LatestSeq: latest, Events: events}, nil
}

// LatestSeq returns the highest assigned sequence number.
func (l *Log) LatestSeq(ctx context.Context) (int64, error) {
	return l.store.LatestSeq(ctx)
}

// Prime records the store's current sequence as the last observed one.
func (l *Log) Prime(ctx context.Context) error {
	latest, err := l.store.LatestSeq(ctx)
	if err != nil {
		return fmt.Errorf("latest seq: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if latest > l.lastSeq {
		l.lastSeq = latest
	}
	return nil
}

// Healthy reports whether the sequence invariant still holds.
func (l *Log) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.corrupted == nil
}

// fail marks the log corrupted. Callers hold l.mu.
func (l *Log) fail(err error) error {
	l.corrupted = err
	l.fatalOnce.Do(func() {
		observability.RecordSequenceCorruption()
		l.logger.Error().Err(err).Int64("last_seq", l.lastSeq).Msg("event sequence corrupted")
		if l.onFatal != nil {
			go l.onFatal(err)
		}
	})
	return err
}

// ClampLimit applies the read limit bounds.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultLimit
	case limit < 1:
		return 1
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
