package live

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mtf-feed/internal/broker"
	"mtf-feed/internal/candle"
	"mtf-feed/internal/confluence"
	"mtf-feed/internal/domain"
	"mtf-feed/internal/eventlog"
	"mtf-feed/internal/observability"
	"mtf-feed/internal/storage"
)

// Consumer names used as fan-out metric labels.
const (
	consumerCandles = "candles"
	consumerExits   = "exits"
	consumerRelay   = "relay"
)

// suppressedPayload is the payload of SIGNAL_SUPPRESSED.
type suppressedPayload struct {
	Signal *domain.Signal              `json:"signal"`
	Reason confluence.SuppressionReason `json:"reason"`
	Detail string                       `json:"detail"`
	Sizing confluence.Sizing            `json:"sizing"`
}

// intentPayload is the payload of INTENT_CREATED.
type intentPayload struct {
	Intent *domain.Intent    `json:"intent"`
	Sizing confluence.Sizing `json:"sizing"`
}

// pipeline is the live state of one link.
type pipeline struct {
	m      *Manager
	link   domain.LinkID
	logger zerolog.Logger

	window *candle.Window
	book   *RiskBook
	exits  *ExitTracker

	mu       sync.Mutex
	agg      *candle.Aggregator
	subs     []broker.Subscription
	symbols  []string
	degraded map[string]string
	cooldown map[string]time.Time // symbol -> end of the last signal's validity
}

func newPipeline(m *Manager, link domain.LinkID) *pipeline {
	p := &pipeline{
		m:        m,
		link:     link,
		logger:   m.logger.With().Str("link", link.String()).Logger(),
		book:     NewRiskBook(),
		degraded: make(map[string]string),
		cooldown: make(map[string]time.Time),
	}
	p.window = candle.NewWindow(p.capacity)
	p.exits = NewExitTracker(p.onExit)
	return p
}

func (p *pipeline) capacity(symbol string, tf domain.Timeframe) int {
	cfg := p.m.config.Resolve(symbol, &p.link)
	return cfg.Timeframe(tf).RetainedCandles
}

func (p *pipeline) widths(symbol string) map[domain.Timeframe]int {
	return p.m.config.Widths(p.link, symbol)
}

// candleConsumer feeds one aggregator generation. A reattach builds a new
// aggregator, so ticks queued for the old one never touch the new state.
type candleConsumer struct {
	p   *pipeline
	agg *candle.Aggregator
}

func (c *candleConsumer) OnTick(t domain.Tick) {
	closed := c.agg.OnTick(t)
	if len(closed) == 0 {
		return
	}

	var ltf *domain.Candle
	for i := range closed {
		cl := closed[i]
		c.p.onClosed(cl)
		if cl.Timeframe == domain.TimeframeLTF {
			ltf = &closed[i].Candle
		}
	}
	if ltf != nil {
		c.p.evaluate(ltf.Symbol, ltf.End())
	}
}

func (c *candleConsumer) OnResubscribe(at time.Time) {
	c.agg.OnResubscribe(at)
}

// onClosed retains and persists a closed candle.
func (p *pipeline) onClosed(cl candle.Closed) {
	p.window.Push(cl.Timeframe, cl.Candle)

	ctx, cancel := p.m.opContext()
	defer cancel()

	c := cl.Candle
	if _, err := p.m.candles.UpsertBulk(ctx, []*domain.Candle{&c}); err != nil {
		p.logger.Error().Err(err).
			Str("symbol", c.Symbol).
			Str("timeframe", string(cl.Timeframe)).
			Time("start", c.Start).
			Msg("persist closed candle")
	}
}

// evaluate runs the confluence engine and the risk gate for symbol after an
// LTF close at `at`.
func (p *pipeline) evaluate(symbol string, at time.Time) {
	p.mu.Lock()
	_, isDegraded := p.degraded[symbol]
	until := p.cooldown[symbol]
	p.mu.Unlock()

	if isDegraded || at.Before(until) {
		return
	}

	cfg := p.m.config.Resolve(symbol, &p.link)
	series := p.window.Series(symbol)

	eval, err := p.m.engine.Evaluate(series, cfg)
	if err != nil {
		if !errors.Is(err, confluence.ErrInsufficientData) {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("evaluate confluence")
		}
		return
	}
	if !eval.Accepted {
		p.logger.Debug().Str("symbol", symbol).Str("reason", eval.Reason).Msg("no confluence")
		return
	}

	sig, err := confluence.BuildSignal(p.link, symbol, eval, series, cfg, at)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", symbol).Msg("build signal")
		return
	}

	p.mu.Lock()
	p.cooldown[symbol] = sig.ExpiresAt
	p.mu.Unlock()

	ctx, cancel := p.m.opContext()
	defer cancel()

	sizing, err := p.m.sizer.Size(eval, cfg, p.book.State())
	if err != nil {
		p.suppress(ctx, sig, sizing, err)
		return
	}

	if !p.insertSignal(ctx, sig) {
		return
	}
	observability.RecordSignalCreated(string(sig.Direction), string(sig.Tier))
	p.emit(ctx, domain.EventSignalCreated, sig, eventlog.Correlation{SignalID: sig.ID})

	intent := confluence.BuildIntent(sig, sizing, cfg, at)
	p.book.Open(intent.ID, intent.LogRisk)
	p.exits.Track(*intent)
	observability.RecordIntentCreated()
	p.emit(ctx, domain.EventIntentCreated, intentPayload{Intent: intent, Sizing: sizing},
		eventlog.Correlation{SignalID: sig.ID, IntentID: intent.ID})

	p.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(sig.Direction)).
		Str("tier", string(sig.Tier)).
		Float64("score", sig.Score).
		Float64("risk", intent.RiskFraction).
		Msg("intent created")
}

func (p *pipeline) suppress(ctx context.Context, sig *domain.Signal, sizing confluence.Sizing, err error) {
	var se *confluence.SuppressedError
	if !errors.As(err, &se) {
		p.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("size signal")
		return
	}

	sig.Status = domain.SignalSuppressed
	if !p.insertSignal(ctx, sig) {
		return
	}
	observability.RecordSignalSuppressed(string(se.Reason))
	p.emit(ctx, domain.EventSignalSuppressed, suppressedPayload{
		Signal: sig,
		Reason: se.Reason,
		Detail: se.Detail,
		Sizing: sizing,
	}, eventlog.Correlation{SignalID: sig.ID})

	p.logger.Info().
		Str("symbol", sig.Symbol).
		Str("reason", string(se.Reason)).
		Str("detail", se.Detail).
		Msg("signal suppressed")
}

// insertSignal stores sig. A duplicate id means the signal was already
// published and nothing more is done.
func (p *pipeline) insertSignal(ctx context.Context, sig *domain.Signal) bool {
	if err := p.m.signals.Insert(ctx, sig); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			p.logger.Debug().Str("signal", sig.ID).Msg("signal already published")
		} else {
			p.logger.Error().Err(err).Str("signal", sig.ID).Msg("insert signal")
		}
		return false
	}
	return true
}

// onExit books a closed intent.
func (p *pipeline) onExit(trade *domain.Trade) {
	p.book.Close(trade.IntentID, trade.LogReturn)

	ctx, cancel := p.m.opContext()
	defer cancel()

	if err := p.m.trades.Insert(ctx, trade); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return
		}
		p.logger.Error().Err(err).Str("trade", trade.ID).Msg("insert trade")
	}

	observability.RecordIntentExited(trade.ExitReason)
	p.emit(ctx, domain.EventIntentExited, trade, eventlog.Correlation{
		SignalID: trade.SignalID,
		IntentID: trade.IntentID,
		TradeID:  trade.ID,
	})

	p.logger.Info().
		Str("symbol", trade.Symbol).
		Str("reason", trade.ExitReason).
		Float64("r", trade.RMultiple).
		Msg("intent exited")
}

func (p *pipeline) emit(ctx context.Context, eventType string, payload any, corr eventlog.Correlation) {
	if p.m.events == nil {
		return
	}
	if _, err := p.m.events.Emit(ctx, eventType, domain.LinkScope(p.link), payload, corr); err != nil {
		p.logger.Error().Err(err).Str("type", eventType).Msg("emit event")
	}
}

// attach replaces the subscriptions of the link. Must not run on a
// consumer goroutine.
func (p *pipeline) attach(adapter broker.Adapter, symbols []string) error {
	agg := candle.NewAggregator(candle.Options{
		Widths: p.widths,
		Logger: p.logger,
	})

	p.mu.Lock()
	old := p.subs
	removed := difference(p.symbols, symbols)
	p.subs = nil
	p.agg = agg
	p.symbols = append([]string(nil), symbols...)
	p.mu.Unlock()

	for _, s := range old {
		s.Unsubscribe()
	}
	for _, symbol := range removed {
		p.window.Drop(symbol)
	}
	if len(symbols) == 0 {
		return nil
	}

	var subs []broker.Subscription
	sub, err := adapter.SubscribeTicks(symbols, consumerCandles, &candleConsumer{p: p, agg: agg})
	if err != nil {
		return err
	}
	subs = append(subs, sub)

	exitSymbols := union(symbols, p.exits.Symbols())
	if sub, err = adapter.SubscribeTicks(exitSymbols, consumerExits, broker.ConsumerFunc(p.exits.OnTick)); err != nil {
		unsubscribeAll(subs)
		return err
	}
	subs = append(subs, sub)

	if p.m.relay != nil {
		if sub, err = adapter.SubscribeTicks(symbols, consumerRelay, p.m.relay); err != nil {
			unsubscribeAll(subs)
			return err
		}
		subs = append(subs, sub)
	}

	p.mu.Lock()
	p.subs = subs
	p.mu.Unlock()
	return nil
}

func (p *pipeline) detach() {
	p.mu.Lock()
	old := p.subs
	p.subs = nil
	p.agg = nil
	p.symbols = nil
	p.mu.Unlock()
	unsubscribeAll(old)
}

// seed loads the retained candles of symbol from the store into the window.
func (p *pipeline) seed(ctx context.Context, symbol string) error {
	cfg := p.m.config.Resolve(symbol, &p.link)
	for _, tf := range domain.AllTimeframes {
		s := cfg.Timeframe(tf)
		candles, err := p.m.candles.GetRecent(ctx, symbol, s.WidthMinutes, s.RetainedCandles)
		if err != nil {
			return err
		}
		p.window.Seed(symbol, tf, candles)
	}
	return nil
}

func unsubscribeAll(subs []broker.Subscription) {
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// difference returns the elements of a missing from b.
func difference(a, b []string) []string {
	keep := make(map[string]struct{}, len(b))
	for _, s := range b {
		keep[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := keep[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
