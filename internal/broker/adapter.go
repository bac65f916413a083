// Package broker owns upstream brokerage connectivity: the adapter contract,
// the connectivity state machine, tick fan-out and the per-link registry.
package broker

import (
	"context"
	"time"

	"mtf-feed/internal/domain"
)

// Credentials authenticate one link against its brokerage.
type Credentials struct {
	Link         domain.LinkID
	ProviderCode string
	AccessToken  string
	SessionID    string
}

// ConnectResult is the outcome of Connect.
type ConnectResult struct {
	Success      bool
	Message      string
	SessionToken string
}

// Consumer receives ticks on its own goroutine.
type Consumer interface {
	OnTick(t domain.Tick)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(t domain.Tick)

// OnTick calls f(t).
func (f ConsumerFunc) OnTick(t domain.Tick) { f(t) }

// Resubscriber is implemented by consumers that must know when the
// transport resubscribed after a gap. It is called in order with ticks.
type Resubscriber interface {
	OnResubscribe(at time.Time)
}

// Subscription detaches a consumer.
type Subscription interface {
	Unsubscribe()
}

// Adapter owns one upstream session for one link.
type Adapter interface {
	// ID identifies this adapter instance.
	ID() string

	// Connect logs in and starts the tick transport.
	Connect(ctx context.Context, creds Credentials) (ConnectResult, error)

	// IsConnected reports whether an upstream session is established.
	IsConnected() bool

	// SubscribeTicks adds symbols to the shared transport subscription and
	// attaches consumer to ticks of those symbols. name labels the consumer in metrics.
	SubscribeTicks(symbols []string, name string, consumer Consumer) (Subscription, error)

	// FetchCandles retrieves closed historical candles with start in [from, to).
	FetchCandles(ctx context.Context, symbol string, widthMinutes int, from, to time.Time) ([]*domain.Candle, error)

	// State returns the current connectivity snapshot.
	State() domain.ConnectivityState

	// Disconnect stops the transport. Consumers stay attached and the adapter may Connect again.
	Disconnect() error

	// Close disconnects and detaches every consumer. The adapter cannot be reused.
	Close() error
}

// TokenReloader is implemented by adapters that can swap credentials in place.
// preserved is false when the live transport could not be kept and the caller must reconnect.
type TokenReloader interface {
	ReloadToken(ctx context.Context, creds Credentials) (preserved bool, err error)
}
