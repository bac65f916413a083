// Package live runs the per-link pipeline behind a subscribed feed: candle
// aggregation, confluence signals with risk sizing, and intent exits.
package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mtf-feed/internal/broker"
	"mtf-feed/internal/config"
	"mtf-feed/internal/confluence"
	"mtf-feed/internal/domain"
	"mtf-feed/internal/eventlog"
	"mtf-feed/internal/metrics"
	"mtf-feed/internal/observability"
	"mtf-feed/internal/storage"
)

const (
	defaultOpTimeout   = 5 * time.Second
	statusQueueSize    = 256
	defaultSweepPeriod = 30 * time.Second
)

// Options configures Manager.
type Options struct {
	Config  *config.Service
	Candles storage.CandleStore
	Signals storage.SignalStore
	Trades  storage.TradeStore
	Events  eventlog.Emitter
	Relay   broker.Consumer // optional, receives every subscribed tick
	Logger  zerolog.Logger

	OpTimeout time.Duration // per store or event write, default 5s
}

// feedStatusPayload is the payload of FEED_STATUS_CHANGED.
type feedStatusPayload struct {
	FeedStatus         broker.FeedStatus `json:"feedStatus"`
	Label              string            `json:"label"`
	Connected          bool              `json:"connected"`
	TransportConnected bool              `json:"transportConnected"`
	State              domain.ConnState  `json:"state"`
	RetryCount         int               `json:"retryCount,omitempty"`
	LastHTTPStatus     int               `json:"lastHttpStatus,omitempty"`
	LastError          string            `json:"lastError,omitempty"`
}

type statusChange struct {
	link   domain.LinkID
	status broker.FeedStatus
	state  domain.ConnectivityState
}

// Manager owns the live pipeline of every attached link.
type Manager struct {
	config    *config.Service
	candles   storage.CandleStore
	signals   storage.SignalStore
	trades    storage.TradeStore
	events    eventlog.Emitter
	relay     broker.Consumer
	logger    zerolog.Logger
	opTimeout time.Duration

	engine *confluence.Engine
	sizer  *confluence.Sizer
	stats  *metrics.Aggregator

	ctx      context.Context
	cancel   context.CancelFunc
	statusCh chan statusChange
	wg       sync.WaitGroup

	mu    sync.Mutex
	links map[domain.LinkID]*pipeline
}

// NewManager creates a manager and starts its status event worker.
func NewManager(opts Options) *Manager {
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:    opts.Config,
		candles:   opts.Candles,
		signals:   opts.Signals,
		trades:    opts.Trades,
		events:    opts.Events,
		relay:     opts.Relay,
		logger:    opts.Logger,
		opTimeout: opTimeout,
		engine:    confluence.NewEngine(),
		sizer:     confluence.NewSizer(),
		ctx:       ctx,
		cancel:    cancel,
		statusCh:  make(chan statusChange, statusQueueSize),
		links:     make(map[domain.LinkID]*pipeline),
	}
	if opts.Trades != nil {
		m.stats = metrics.NewAggregator(opts.Trades)
	}

	m.wg.Add(1)
	go m.statusLoop()
	return m
}

func (m *Manager) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, m.opTimeout)
}

// ensure returns the pipeline of link, creating it and restoring its risk
// book from stored trades on first use.
func (m *Manager) ensure(link domain.LinkID) *pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.links[link]; ok {
		return p
	}
	p := newPipeline(m, link)
	if m.stats != nil {
		ctx, cancel := m.opContext()
		stats, err := m.stats.ForLink(ctx, link)
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).Msg("restore risk book")
		} else {
			p.book.Restore(stats)
		}
	}
	m.links[link] = p
	return p
}

func (m *Manager) get(link domain.LinkID) (*pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.links[link]
	return p, ok
}

// Attach subscribes symbols of link on adapter, replacing any previous
// subscription of the link, and seeds the candle windows from the store.
func (m *Manager) Attach(ctx context.Context, link domain.LinkID, adapter broker.Adapter, symbols []string) error {
	p := m.ensure(link)

	for _, symbol := range symbols {
		if err := p.seed(ctx, symbol); err != nil {
			return fmt.Errorf("seed %s: %w", symbol, err)
		}
	}
	if err := p.attach(adapter, symbols); err != nil {
		return fmt.Errorf("subscribe %s: %w", link, err)
	}

	p.logger.Info().Strs("symbols", symbols).Msg("pipeline attached")
	return nil
}

// Detach drops the subscriptions of link. Open intents and the risk book
// are kept for the next Attach.
func (m *Manager) Detach(link domain.LinkID) {
	p, ok := m.get(link)
	if !ok {
		return
	}
	p.detach()
	p.logger.Info().Msg("pipeline detached")
}

// Reseed reloads the candle windows of symbol from the store.
func (m *Manager) Reseed(ctx context.Context, link domain.LinkID, symbol string) error {
	if err := m.ensure(link).seed(ctx, symbol); err != nil {
		return fmt.Errorf("reseed %s: %w", symbol, err)
	}
	return nil
}

// MarkDegraded excludes symbol of link from signal generation.
func (m *Manager) MarkDegraded(link domain.LinkID, symbol, reason string) {
	p := m.ensure(link)
	p.mu.Lock()
	p.degraded[symbol] = reason
	n := len(p.degraded)
	p.mu.Unlock()

	observability.SetDegradedSymbols(link.String(), n)
	p.logger.Warn().Str("symbol", symbol).Str("reason", reason).Msg("symbol degraded")
}

// ResetDegraded clears the degraded set of link.
func (m *Manager) ResetDegraded(link domain.LinkID) {
	p, ok := m.get(link)
	if !ok {
		return
	}
	p.mu.Lock()
	p.degraded = make(map[string]string)
	p.mu.Unlock()
	observability.SetDegradedSymbols(link.String(), 0)
}

// Degraded returns the degraded symbols of link with their reasons.
func (m *Manager) Degraded(link domain.LinkID) map[string]string {
	p, ok := m.get(link)
	if !ok {
		return map[string]string{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.degraded))
	for k, v := range p.degraded {
		out[k] = v
	}
	return out
}

// DegradedSymbols returns the degraded symbols of link, sorted.
func (m *Manager) DegradedSymbols(link domain.LinkID) []string {
	return sortedKeys(m.Degraded(link))
}

// Subscribed returns the symbols currently feeding the candle pipeline of link.
func (m *Manager) Subscribed(link domain.LinkID) []string {
	p, ok := m.get(link)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.symbols...)
}

// Book returns the risk book of link.
func (m *Manager) Book(link domain.LinkID) *RiskBook {
	return m.ensure(link).book
}

// OpenIntents returns the intents of link still tracked for exit.
func (m *Manager) OpenIntents(link domain.LinkID) []domain.Intent {
	p, ok := m.get(link)
	if !ok {
		return nil
	}
	return p.exits.Open()
}

// Series returns the retained candle series of symbol on link.
func (m *Manager) Series(link domain.LinkID, symbol string) map[domain.Timeframe][]domain.Candle {
	p, ok := m.get(link)
	if !ok {
		return nil
	}
	return p.window.Series(symbol)
}

// FeedStatusChanged queues a FEED_STATUS_CHANGED event. It matches
// broker.StatusChangeFunc and never blocks the caller.
func (m *Manager) FeedStatusChanged(link domain.LinkID, status broker.FeedStatus, state domain.ConnectivityState) {
	select {
	case m.statusCh <- statusChange{link: link, status: status, state: state}:
	default:
		m.logger.Warn().
			Str("link", link.String()).
			Str("status", string(status)).
			Msg("status event queue full, change dropped")
	}
}

func (m *Manager) statusLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case c := <-m.statusCh:
			m.emitStatus(c)
		}
	}
}

func (m *Manager) emitStatus(c statusChange) {
	if m.events == nil {
		return
	}
	ctx, cancel := m.opContext()
	defer cancel()

	payload := feedStatusPayload{
		FeedStatus:         c.status,
		Label:              broker.FeedLabel(c.status, c.state.RetryCount),
		Connected:          c.state.Connected,
		TransportConnected: c.state.TransportConnected,
		State:              c.state.State,
		RetryCount:         c.state.RetryCount,
		LastHTTPStatus:     c.state.LastStatus,
		LastError:          c.state.LastError,
	}
	if _, err := m.events.Emit(ctx, domain.EventFeedStatusChanged, domain.LinkScope(c.link), payload, eventlog.Correlation{}); err != nil {
		m.logger.Error().Err(err).Str("link", c.link.String()).Msg("emit feed status")
	}
}

// SweepExpired expires ACTIVE signals whose validity ended at or before now
// and emits SIGNAL_EXPIRED for each. Returns the number expired.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.signals.ExpireBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire signals: %w", err)
	}
	for _, sig := range expired {
		if m.events == nil {
			break
		}
		if _, err := m.events.Emit(ctx, domain.EventSignalExpired, domain.LinkScope(sig.Link), sig,
			eventlog.Correlation{SignalID: sig.ID}); err != nil {
			return 0, fmt.Errorf("emit expiry of %s: %w", sig.ID, err)
		}
	}
	if n := len(expired); n > 0 {
		observability.RecordSignalsExpired(n)
		m.logger.Info().Int("expired", n).Msg("signals expired")
	}
	return len(expired), nil
}

// RunExpirySweep sweeps expired signals every interval until ctx is done.
func (m *Manager) RunExpirySweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultSweepPeriod
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := m.SweepExpired(ctx, now.UTC()); err != nil {
				m.logger.Error().Err(err).Msg("expiry sweep")
			}
		}
	}
}

// Close detaches every link and stops the status worker.
func (m *Manager) Close() {
	m.mu.Lock()
	pipelines := make([]*pipeline, 0, len(m.links))
	for _, p := range m.links {
		pipelines = append(pipelines, p)
	}
	m.mu.Unlock()

	for _, p := range pipelines {
		p.detach()
	}
	m.cancel()
	m.wg.Wait()
}
