// Package stub provides an in-process broker adapter. Tests script its
// history and failures; demo mode drives it with synthetic ticks.
package stub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mtf-feed/internal/broker"
	"mtf-feed/internal/domain"
)

// ProviderCode is the provider code of the stub adapter.
const ProviderCode = "STUB"

type historyKey struct {
	symbol string
	width  int
}

// Adapter is a scriptable broker.Adapter.
type Adapter struct {
	id      string
	logger  zerolog.Logger
	machine *broker.StateMachine
	fanout  *broker.Fanout

	mu          sync.Mutex
	history     map[historyKey][]*domain.Candle
	failSymbols map[string]error
	connectErr  error
	synthetic   bool
	token       string
	symbols     []string
	symbolSet   map[string]struct{}
	fetches     map[string]int
	connects    int

	closed atomic.Bool
}

var _ broker.Adapter = (*Adapter)(nil)
var _ broker.TokenReloader = (*Adapter)(nil)

// New creates a disconnected stub adapter.
func New(logger zerolog.Logger, onChange broker.StateChangeFunc) *Adapter {
	return &Adapter{
		id:          uuid.NewString(),
		logger:      logger,
		machine:     broker.NewStateMachine(onChange),
		fanout:      broker.NewFanout(broker.DefaultQueueSize, logger),
		history:     make(map[historyKey][]*domain.Candle),
		failSymbols: make(map[string]error),
		symbolSet:   make(map[string]struct{}),
		fetches:     make(map[string]int),
	}
}

// Factory returns a broker.Factory building stub adapters. configure, when
// set, scripts each adapter before it is connected.
func Factory(configure func(*Adapter)) broker.Factory {
	return func(p broker.FactoryParams) (broker.Adapter, error) {
		a := New(p.Logger, p.OnStateChange)
		if configure != nil {
			configure(a)
		}
		return a, nil
	}
}

// SetHistory scripts the candles FetchCandles returns for (symbol, width).
func (a *Adapter) SetHistory(symbol string, widthMinutes int, candles []*domain.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[historyKey{symbol, widthMinutes}] = candles
}

// SetSynthetic makes FetchCandles synthesize a random walk for symbols without scripted history.
func (a *Adapter) SetSynthetic(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.synthetic = on
}

// FailSymbol makes FetchCandles fail for symbol. A nil err clears the failure.
func (a *Adapter) FailSymbol(symbol string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failSymbols, symbol)
		return
	}
	a.failSymbols[symbol] = err
}

// FailConnect makes Connect fail with err. A nil err clears the failure.
func (a *Adapter) FailConnect(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// Emit publishes a tick to attached consumers as the transport would.
func (a *Adapter) Emit(t domain.Tick) {
	a.fanout.Publish(t)
}

// SimulateResubscribe tells consumers the transport resubscribed at `at`.
func (a *Adapter) SimulateResubscribe(at time.Time) {
	a.fanout.NotifyResubscribe(at)
}

// SimulateTransportLoss drops the transport; the adapter stays in CONNECTING.
func (a *Adapter) SimulateTransportLoss(err error) error {
	return a.machine.TransportLost(err)
}

// SimulateTransportRestored brings the transport back and notifies consumers.
func (a *Adapter) SimulateTransportRestored() error {
	if err := a.machine.Established(); err != nil {
		return err
	}
	a.fanout.NotifyResubscribe(time.Now().UTC())
	return nil
}

// ExpireCredentials moves the adapter to RECONNECT_REQUIRED.
func (a *Adapter) ExpireCredentials(status int) error {
	return a.machine.CredentialsExpired(status, fmt.Errorf("credentials expired"))
}

// Subscribed returns the subscribed symbols in subscription order.
func (a *Adapter) Subscribed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.symbols...)
}

// FetchCount returns how many history fetches were made for symbol.
func (a *Adapter) FetchCount(symbol string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches[symbol]
}

// ConnectCount returns how many times Connect succeeded.
func (a *Adapter) ConnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// Token returns the current session token.
func (a *Adapter) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Consumers returns the number of attached consumers.
func (a *Adapter) Consumers() int {
	return a.fanout.Len()
}

// ID identifies this adapter instance.
func (a *Adapter) ID() string { return a.id }

// State returns the current connectivity snapshot.
func (a *Adapter) State() domain.ConnectivityState { return a.machine.Snapshot() }

// IsConnected reports whether the session is established.
func (a *Adapter) IsConnected() bool { return a.machine.Snapshot().Connected }

// Connect establishes the session and the transport immediately.
func (a *Adapter) Connect(ctx context.Context, creds broker.Credentials) (broker.ConnectResult, error) {
	if a.closed.Load() {
		return broker.ConnectResult{}, broker.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return broker.ConnectResult{}, err
	}

	if a.machine.Snapshot().State == domain.ConnStateConnected {
		a.machine.Disconnected(true, 0, nil)
	}
	if err := a.machine.BeginConnect(); err != nil {
		return broker.ConnectResult{}, err
	}

	a.mu.Lock()
	connectErr := a.connectErr
	a.mu.Unlock()

	if connectErr != nil {
		a.machine.Disconnected(false, broker.StatusCode(connectErr), connectErr)
		return broker.ConnectResult{Success: false, Message: connectErr.Error()}, connectErr
	}

	if err := a.machine.SessionEstablished(); err != nil {
		return broker.ConnectResult{}, err
	}
	if err := a.machine.Established(); err != nil {
		return broker.ConnectResult{}, err
	}

	token := "stub-" + creds.SessionID
	a.mu.Lock()
	a.token = token
	a.connects++
	a.mu.Unlock()

	return broker.ConnectResult{Success: true, Message: "stub session", SessionToken: token}, nil
}

// SubscribeTicks attaches consumer to symbols.
func (a *Adapter) SubscribeTicks(symbols []string, name string, consumer broker.Consumer) (broker.Subscription, error) {
	if a.closed.Load() {
		return nil, broker.ErrClosed
	}
	sub, err := a.fanout.Add(name, symbols, consumer)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	for _, s := range symbols {
		if _, ok := a.symbolSet[s]; !ok {
			a.symbolSet[s] = struct{}{}
			a.symbols = append(a.symbols, s)
		}
	}
	a.mu.Unlock()
	return sub, nil
}

// FetchCandles returns scripted or synthetic history with start in [from, to).
func (a *Adapter) FetchCandles(ctx context.Context, symbol string, widthMinutes int, from, to time.Time) ([]*domain.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.fetches[symbol]++
	failErr := a.failSymbols[symbol]
	scripted, hasScript := a.history[historyKey{symbol, widthMinutes}]
	synthetic := a.synthetic
	a.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	if !a.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	if !hasScript {
		if synthetic {
			return SynthesizeCandles(symbol, widthMinutes, from, to), nil
		}
		return nil, nil
	}

	out := make([]*domain.Candle, 0, len(scripted))
	for _, c := range scripted {
		if c.Start.Before(from) || !c.Start.Before(to) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// ReloadToken swaps the session token in place while connected.
func (a *Adapter) ReloadToken(ctx context.Context, creds broker.Credentials) (bool, error) {
	if a.closed.Load() {
		return false, broker.ErrClosed
	}
	if a.machine.Snapshot().State != domain.ConnStateConnected {
		return false, nil
	}
	a.mu.Lock()
	a.token = "stub-" + creds.SessionID
	a.mu.Unlock()
	return true, nil
}

// Disconnect drops the session. Consumers stay attached.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
	a.machine.Disconnected(false, 0, nil)
	return nil
}

// Close disconnects and detaches every consumer.
func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	err := a.Disconnect()
	a.fanout.Close()
	return err
}
