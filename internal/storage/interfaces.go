package storage

import (
	"context"
	"time"

	"mtf-feed/internal/domain"
)

// CandleStore provides access to closed candle history.
type CandleStore interface {
	// UpsertBulk merges closed candles keyed by (symbol, width, start).
	// An existing candle with the same key is replaced. Returns the number of keys not seen before.
	UpsertBulk(ctx context.Context, candles []*domain.Candle) (int, error)

	// GetRecent retrieves the newest limit candles, ordered by start ASC.
	GetRecent(ctx context.Context, symbol string, widthMinutes, limit int) ([]*domain.Candle, error)

	// GetRange retrieves candles with start in [from, to), ordered by start ASC.
	GetRange(ctx context.Context, symbol string, widthMinutes int, from, to time.Time) ([]*domain.Candle, error)

	// Latest retrieves the newest candle. Returns ErrNotFound if none exists.
	Latest(ctx context.Context, symbol string, widthMinutes int) (*domain.Candle, error)

	// Oldest retrieves the oldest candle. Returns ErrNotFound if none exists.
	Oldest(ctx context.Context, symbol string, widthMinutes int) (*domain.Candle, error)

	// Count returns the number of stored candles.
	Count(ctx context.Context, symbol string, widthMinutes int) (int, error)
}

// EventStore provides access to the append-only event log.
type EventStore interface {
	// Append assigns the next sequence number atomically with the insert and returns it.
	// Implementations must never reuse or skip a sequence number.
	Append(ctx context.Context, e *domain.Event) (int64, error)

	// ListAfter retrieves at most limit events with seq > afterSeq visible to reader, ordered by seq ASC.
	ListAfter(ctx context.Context, afterSeq int64, limit int, reader domain.ReaderScope) ([]*domain.Event, error)

	// LatestSeq returns the highest assigned sequence number, 0 if the log is empty.
	LatestSeq(ctx context.Context) (int64, error)
}

// ConfigStore provides access to the multi-timeframe configuration.
type ConfigStore interface {
	// GetGlobal retrieves the global configuration. Returns ErrNotFound if never stored.
	GetGlobal(ctx context.Context) (*domain.MTFConfig, error)

	// PutGlobal replaces the global configuration.
	PutGlobal(ctx context.Context, cfg *domain.MTFConfig) error

	// GetOverride retrieves the override for (symbol, link). A nil link addresses the symbol-wide override.
	// Returns ErrNotFound if not exists.
	GetOverride(ctx context.Context, symbol string, link *domain.LinkID) (*domain.MTFOverride, error)

	// PutOverride inserts or replaces an override.
	PutOverride(ctx context.Context, o *domain.MTFOverride) error

	// DeleteOverride removes an override. Returns ErrNotFound if not exists.
	DeleteOverride(ctx context.Context, symbol string, link *domain.LinkID) error

	// ListOverrides retrieves all overrides ordered by symbol.
	ListOverrides(ctx context.Context) ([]*domain.MTFOverride, error)
}

// SessionStore provides access to stored broker sessions.
type SessionStore interface {
	// Put stores s as the latest session for its link.
	Put(ctx context.Context, s *domain.Session) error

	// GetLatest retrieves the latest session for a link. Returns ErrNotFound if not exists.
	GetLatest(ctx context.Context, link domain.LinkID) (*domain.Session, error)

	// List retrieves the latest session of every link.
	List(ctx context.Context) ([]*domain.Session, error)
}

// WatchlistStore provides read access to link watchlists, plus Put for seeding.
type WatchlistStore interface {
	// Put inserts or replaces a watchlist entry.
	Put(ctx context.Context, e *domain.WatchlistEntry) error

	// EnabledSymbols returns the distinct enabled symbols of a link in insertion order.
	EnabledSymbols(ctx context.Context, link domain.LinkID) ([]string, error)
}

// SignalStore provides access to published signals.
type SignalStore interface {
	// Insert adds a new signal. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, s *domain.Signal) error

	// GetByID retrieves a signal. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Signal, error)

	// ExpireBefore marks ACTIVE signals with ExpiresAt <= now as EXPIRED and returns them.
	ExpireBefore(ctx context.Context, now time.Time) ([]*domain.Signal, error)

	// ListActive retrieves ACTIVE signals for a link ordered by generation time.
	ListActive(ctx context.Context, link domain.LinkID) ([]*domain.Signal, error)
}

// TradeStore provides access to closed trades.
type TradeStore interface {
	// Insert adds a new trade. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, t *domain.Trade) error

	// GetByID retrieves a trade. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Trade, error)

	// ListByLink retrieves the trades of a link ordered by exit time ASC, id ASC.
	ListByLink(ctx context.Context, link domain.LinkID) ([]*domain.Trade, error)
}
