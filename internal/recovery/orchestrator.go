// Package recovery rebuilds a link after startup, re-authentication or an
// operator request: it evicts the cached session, fills the candle gap left
// while the feed was down, resubscribes the healthy symbols and backfills
// the retained history.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mtf-feed/internal/broker"
	"mtf-feed/internal/config"
	"mtf-feed/internal/domain"
	"mtf-feed/internal/eventlog"
	"mtf-feed/internal/observability"
	"mtf-feed/internal/storage"
)

// Trigger says what started a recovery run.
type Trigger string

const (
	TriggerStartup  Trigger = "STARTUP"
	TriggerReauth   Trigger = "REAUTH"
	TriggerOperator Trigger = "OPERATOR"
)

// Defaults.
const (
	DefaultConcurrency  = 4
	DefaultFetchTimeout = 20 * time.Second
	DefaultRetries      = 3
	DefaultLookback     = 24 * time.Hour
)

// Registry is the part of broker.Registry recovery drives.
type Registry interface {
	Remove(link domain.LinkID)
	GetOrCreate(ctx context.Context, link domain.LinkID, providerCode string) (broker.Adapter, error)
}

// Pipeline is the part of live.Manager recovery drives.
type Pipeline interface {
	Detach(link domain.LinkID)
	ResetDegraded(link domain.LinkID)
	MarkDegraded(link domain.LinkID, symbol, reason string)
	Attach(ctx context.Context, link domain.LinkID, adapter broker.Adapter, symbols []string) error
	Reseed(ctx context.Context, link domain.LinkID, symbol string) error
}

// Options configures Orchestrator.
type Options struct {
	Registry   Registry
	Pipeline   Pipeline
	Watchlists storage.WatchlistStore
	Candles    storage.CandleStore
	Config     *config.Service
	Events     eventlog.Emitter // optional
	Logger     zerolog.Logger

	Concurrency  int           // parallel symbols, default 4
	FetchTimeout time.Duration // per history request, default 20s
	Retries      int           // extra attempts per request, default 3
	Backoff      broker.Backoff
	Lookback     time.Duration // gap start when nothing is stored, default 24h
	Now          func() time.Time
}

// SymbolResult is the outcome of one watchlist symbol.
type SymbolResult struct {
	Symbol            string `json:"symbol"`
	Success           bool   `json:"success"`
	CandlesBackfilled int    `json:"candlesBackfilled"`
	Message           string `json:"message,omitempty"`
}

// Report is the outcome of a recovery run. Symbols keep watchlist order.
type Report struct {
	UserID       int64          `json:"userId"`
	BrokerLinkID int64          `json:"brokerLinkId"`
	Trigger      Trigger        `json:"trigger"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
	Symbols      []SymbolResult `json:"symbols"`
	Error        string         `json:"error,omitempty"`
}

// Backfilled returns the number of candles stored by the run.
func (r *Report) Backfilled() int {
	n := 0
	for _, s := range r.Symbols {
		n += s.CandlesBackfilled
	}
	return n
}

// Failed returns the symbols that did not recover.
func (r *Report) Failed() []string {
	var out []string
	for _, s := range r.Symbols {
		if !s.Success {
			out = append(out, s.Symbol)
		}
	}
	return out
}

// Status summarizes the run: ok, partial or failed.
func (r *Report) Status() string {
	switch {
	case r.Error != "":
		return "failed"
	case len(r.Failed()) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// Orchestrator runs recovery and backfill for one link at a time per link.
type Orchestrator struct {
	registry   Registry
	pipeline   Pipeline
	watchlists storage.WatchlistStore
	candles    storage.CandleStore
	config     *config.Service
	events     eventlog.Emitter
	logger     zerolog.Logger

	concurrency  int
	fetchTimeout time.Duration
	retries      int
	backoff      broker.Backoff
	lookback     time.Duration
	now          func() time.Time

	mu      sync.Mutex
	running map[domain.LinkID]*sync.Mutex
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := opts.Backoff
	if backoff.Min <= 0 {
		backoff = broker.Backoff{Min: 250 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.2}
	}
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		registry:     opts.Registry,
		pipeline:     opts.Pipeline,
		watchlists:   opts.Watchlists,
		candles:      opts.Candles,
		config:       opts.Config,
		events:       opts.Events,
		logger:       opts.Logger,
		concurrency:  concurrency,
		fetchTimeout: fetchTimeout,
		retries:      retries,
		backoff:      backoff,
		lookback:     lookback,
		now:          now,
		running:      make(map[domain.LinkID]*sync.Mutex),
	}
}

func (o *Orchestrator) linkLock(link domain.LinkID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.running[link]
	if !ok {
		m = &sync.Mutex{}
		o.running[link] = m
	}
	return m
}

// Recover rebuilds link. Per-symbol failures are reported and mark the
// symbol degraded; only failures that affect the whole link return an error,
// in which case the partial report is returned too.
func (o *Orchestrator) Recover(ctx context.Context, link domain.LinkID, providerCode string, trigger Trigger) (*Report, error) {
	lock := o.linkLock(link)
	lock.Lock()
	defer lock.Unlock()

	start := o.now().UTC()
	logger := o.logger.With().Str("link", link.String()).Str("trigger", string(trigger)).Logger()
	report := &Report{
		UserID:       link.UserID,
		BrokerLinkID: link.BrokerLinkID,
		Trigger:      trigger,
		StartedAt:    start,
		Symbols:      []SymbolResult{},
	}

	err := o.run(ctx, link, providerCode, start, report, logger)
	if err != nil {
		report.Error = err.Error()
	}
	o.finish(ctx, link, report, logger)
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, link domain.LinkID, providerCode string, start time.Time, report *Report, logger zerolog.Logger) error {
	o.registry.Remove(link)
	o.pipeline.Detach(link)
	o.pipeline.ResetDegraded(link)

	adapter, err := o.registry.GetOrCreate(ctx, link, providerCode)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	symbols, err := o.watchlists.EnabledSymbols(ctx, link)
	if err != nil {
		return fmt.Errorf("load watchlist: %w", err)
	}
	symbols = distinct(symbols)

	results := make([]SymbolResult, len(symbols))
	o.forEach(symbols, func(i int, symbol string) {
		results[i] = o.recoverSymbol(ctx, adapter, link, symbol, start)
	})

	var healthy []string
	for _, r := range results {
		if r.Success {
			healthy = append(healthy, r.Symbol)
			continue
		}
		o.pipeline.MarkDegraded(link, r.Symbol, r.Message)
	}

	if err := o.pipeline.Attach(ctx, link, adapter, healthy); err != nil {
		report.Symbols = results
		return fmt.Errorf("attach pipeline: %w", err)
	}

	index := make(map[string]int, len(results))
	for i, r := range results {
		index[r.Symbol] = i
	}
	o.forEach(healthy, func(_ int, symbol string) {
		i := index[symbol]
		n, err := o.backfillSymbol(ctx, adapter, link, symbol, start)
		results[i].CandlesBackfilled += n
		if err != nil {
			results[i].Success = false
			results[i].Message = fmt.Sprintf("backfill: %v", err)
			o.pipeline.MarkDegraded(link, symbol, results[i].Message)
		}
		if err := o.pipeline.Reseed(ctx, link, symbol); err != nil {
			logger.Warn().Err(err).Str("symbol", symbol).Msg("reseed window")
		}
	})

	report.Symbols = results
	return nil
}

// forEach runs fn for every symbol with bounded parallelism. fn never fails
// the group, so one symbol cannot cancel the others.
func (o *Orchestrator) forEach(symbols []string, fn func(i int, symbol string)) {
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, symbol := range symbols {
		g.Go(func() error {
			fn(i, symbol)
			return nil
		})
	}
	_ = g.Wait()
}

// recoverSymbol fills, per timeframe, the gap between the newest stored
// candle and the recovery start. Only buckets that ended before the start are
// stored; the live aggregator owns the rest.
func (o *Orchestrator) recoverSymbol(ctx context.Context, adapter broker.Adapter, link domain.LinkID, symbol string, start time.Time) SymbolResult {
	res := SymbolResult{Symbol: symbol}
	cfg := o.config.Resolve(symbol, &link)

	for _, tf := range domain.AllTimeframes {
		width := cfg.Timeframe(tf).WidthMinutes
		to := domain.BucketStart(start, width)

		from := domain.BucketStart(start.Add(-o.lookback), width)
		latest, err := o.candles.Latest(ctx, symbol, width)
		switch {
		case err == nil:
			from = latest.End()
		case !errors.Is(err, storage.ErrNotFound):
			res.Message = fmt.Sprintf("%s: read latest candle: %v", tf, err)
			return res
		}
		if !from.Before(to) {
			continue
		}

		n, err := o.fetchAndStore(ctx, adapter, symbol, width, from, to, start)
		res.CandlesBackfilled += n
		if err != nil {
			res.Message = fmt.Sprintf("%s: %v", tf, err)
			return res
		}
	}
	res.Success = true
	return res
}

// backfillSymbol extends the stored history backwards until each timeframe
// holds its retained count.
func (o *Orchestrator) backfillSymbol(ctx context.Context, adapter broker.Adapter, link domain.LinkID, symbol string, start time.Time) (int, error) {
	cfg := o.config.Resolve(symbol, &link)
	total := 0

	for _, tf := range domain.AllTimeframes {
		s := cfg.Timeframe(tf)
		count, err := o.candles.Count(ctx, symbol, s.WidthMinutes)
		if err != nil {
			return total, fmt.Errorf("%s: count candles: %w", tf, err)
		}
		need := s.RetainedCandles - count
		if need <= 0 {
			continue
		}

		to := domain.BucketStart(start, s.WidthMinutes)
		oldest, err := o.candles.Oldest(ctx, symbol, s.WidthMinutes)
		switch {
		case err == nil:
			to = oldest.Start
		case !errors.Is(err, storage.ErrNotFound):
			return total, fmt.Errorf("%s: read oldest candle: %w", tf, err)
		}
		from := to.Add(-time.Duration(need*s.WidthMinutes) * time.Minute)

		n, err := o.fetchAndStore(ctx, adapter, symbol, s.WidthMinutes, from, to, start)
		total += n
		if err != nil {
			return total, fmt.Errorf("%s: %w", tf, err)
		}
	}
	return total, nil
}

// fetchAndStore fetches [from, to) and upserts the candles that ended by
// cutoff. Returns the number of candles not stored before.
func (o *Orchestrator) fetchAndStore(ctx context.Context, adapter broker.Adapter, symbol string, width int, from, to, cutoff time.Time) (int, error) {
	fetched, err := o.fetch(ctx, adapter, symbol, width, from, to)
	if err != nil {
		return 0, err
	}

	keep := fetched[:0]
	for _, c := range fetched {
		if c == nil || c.Start.Before(from) || !c.Start.Before(to) || c.End().After(cutoff) || !c.Valid() {
			continue
		}
		c.Symbol = symbol
		c.WidthMinutes = width
		c.Closed = true
		keep = append(keep, c)
	}
	if len(keep) == 0 {
		return 0, nil
	}

	n, err := o.candles.UpsertBulk(ctx, keep)
	if err != nil {
		return 0, fmt.Errorf("store candles: %w", err)
	}
	return n, nil
}

// fetch requests history with a per-attempt timeout, retrying transient
// failures. Authentication failures and cancellation are not retried.
func (o *Orchestrator) fetch(ctx context.Context, adapter broker.Adapter, symbol string, width int, from, to time.Time) ([]*domain.Candle, error) {
	var lastErr error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.backoff.Next(attempt)):
			}
		}

		fctx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
		candles, err := adapter.FetchCandles(fctx, symbol, width, from, to)
		cancel()
		if err == nil {
			return candles, nil
		}
		lastErr = err

		if ctx.Err() != nil || broker.IsAuthError(err) || errors.Is(err, broker.ErrClosed) {
			break
		}
		var se *broker.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			break
		}
	}
	return nil, fmt.Errorf("fetch history: %w", lastErr)
}

func (o *Orchestrator) finish(ctx context.Context, link domain.LinkID, report *Report, logger zerolog.Logger) {
	report.FinishedAt = o.now().UTC()
	duration := report.FinishedAt.Sub(report.StartedAt)
	status := report.Status()

	observability.RecordRecoveryRun(string(report.Trigger), status, duration.Seconds(), report.Backfilled())

	if o.events != nil {
		ectx := ctx
		if ectx.Err() != nil {
			ectx = context.Background()
		}
		if _, err := o.events.Emit(ectx, domain.EventRecoveryCompleted, domain.LinkScope(link), report, eventlog.Correlation{}); err != nil {
			logger.Error().Err(err).Msg("emit recovery report")
		}
	}

	event := logger.Info()
	if status != "ok" {
		event = logger.Warn()
	}
	event.
		Str("status", status).
		Int("symbols", len(report.Symbols)).
		Strs("failed", report.Failed()).
		Int("backfilled", report.Backfilled()).
		Dur("duration", duration).
		Msg("recovery finished")
}

func distinct(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
