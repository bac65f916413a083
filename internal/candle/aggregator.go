// Package candle aggregates ticks into OHLCV candles at the LTF, ITF and HTF cadences.
package candle

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/observability"
)

// DefaultShards is the number of symbol partitions when none is configured.
const DefaultShards = 32

// WidthFunc returns the candle width in minutes of each timeframe for a symbol.
type WidthFunc func(symbol string) map[domain.Timeframe]int

// Closed is a candle that was closed by a tick of a newer bucket.
type Closed struct {
	Timeframe domain.Timeframe
	Candle    domain.Candle
}

// Options configures Aggregator.
type Options struct {
	Widths WidthFunc
	Shards int
	Logger zerolog.Logger
}

type partitionKey struct {
	symbol    string
	timeframe domain.Timeframe
}

type partition struct {
	open *domain.Candle
	// floor is the start of the oldest bucket still accepting ticks.
	// Ticks of older buckets are late.
	floor time.Time
}

type shard struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partition
}

// Aggregator keeps one open candle per (symbol, timeframe). State is
// sharded by symbol, so ticks of different symbols do not contend.
type Aggregator struct {
	widths WidthFunc
	logger zerolog.Logger
	shards []*shard
}

// NewAggregator creates an aggregator.
func NewAggregator(opts Options) *Aggregator {
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{partitions: make(map[partitionKey]*partition)}
	}
	return &Aggregator{
		widths: opts.Widths,
		logger: opts.Logger,
		shards: shards,
	}
}

func (a *Aggregator) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

// OnTick applies a tick to every timeframe of its symbol and returns the
// candles it closed, ordered LTF, ITF, HTF. Ticks without a price, and
// ticks older than the open bucket, change nothing.
func (a *Aggregator) OnTick(t domain.Tick) []Closed {
	price, ok := t.Price()
	if !ok || t.Symbol == "" {
		return nil
	}
	widths := a.widths(t.Symbol)

	s := a.shardFor(t.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	var closed []Closed
	for _, tf := range domain.AllTimeframes {
		width := widths[tf]
		if width <= 0 {
			continue
		}
		key := partitionKey{t.Symbol, tf}
		p := s.partitions[key]
		if p == nil {
			p = &partition{}
			s.partitions[key] = p
		}

		bucket := domain.BucketStart(t.Timestamp, width)

		if p.open != nil && p.open.WidthMinutes != width {
			// Width reconfigured: the in-flight candle no longer lines up.
			p.open = nil
			p.floor = time.Time{}
		}

		if bucket.Before(p.floor) {
			observability.RecordLateTick()
			a.logger.Debug().
				Str("symbol", t.Symbol).
				Str("timeframe", string(tf)).
				Time("tick", t.Timestamp).
				Time("open_bucket", p.floor).
				Msg("late tick dropped")
			continue
		}

		if p.open != nil && p.open.Start.Equal(bucket) {
			update(p.open, price, t.Volume)
			continue
		}

		if p.open != nil {
			c := *p.open
			c.Closed = true
			closed = append(closed, Closed{Timeframe: tf, Candle: c})
			observability.RecordCandleClosed(string(tf))
		}
		p.open = seed(t.Symbol, width, bucket, price, t.Volume)
		p.floor = bucket
	}
	return closed
}

// DiscardStale drops in-flight candles whose bucket ended at or before now.
// Called after a transport gap: those candles missed ticks and recovery
// owns their buckets. Returns the number discarded.
func (a *Aggregator) DiscardStale(now time.Time) int {
	n := 0
	for _, s := range a.shards {
		s.mu.Lock()
		for key, p := range s.partitions {
			if p.open == nil || p.open.End().After(now) {
				continue
			}
			a.logger.Debug().
				Str("symbol", key.symbol).
				Str("timeframe", string(key.timeframe)).
				Time("bucket", p.open.Start).
				Msg("stale candle discarded")
			// Ticks of the discarded bucket are late from now on.
			p.floor = p.open.End()
			p.open = nil
			n++
		}
		s.mu.Unlock()
	}
	for i := 0; i < n; i++ {
		observability.RecordStaleDiscard()
	}
	return n
}

// OnResubscribe discards stale candles at the resubscription time.
func (a *Aggregator) OnResubscribe(at time.Time) {
	if n := a.DiscardStale(at); n > 0 {
		a.logger.Info().Int("discarded", n).Time("at", at).Msg("resubscribed after gap")
	}
}

// OpenCandle returns a copy of the open candle of (symbol, tf).
func (a *Aggregator) OpenCandle(symbol string, tf domain.Timeframe) (domain.Candle, bool) {
	s := a.shardFor(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partitions[partitionKey{symbol, tf}]
	if p == nil || p.open == nil {
		return domain.Candle{}, false
	}
	return *p.open, true
}

func seed(symbol string, width int, start time.Time, price float64, volume int64) *domain.Candle {
	return &domain.Candle{
		Symbol:       symbol,
		WidthMinutes: width,
		Start:        start,
		Open:         price,
		High:         price,
		Low:          price,
		Close:        price,
		Volume:       volume,
	}
}

func update(c *domain.Candle, price float64, volume int64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += volume
}

// StaticWidths returns a WidthFunc giving every symbol the same widths.
func StaticWidths(ltf, itf, htf int) WidthFunc {
	w := map[domain.Timeframe]int{
		domain.TimeframeLTF: ltf,
		domain.TimeframeITF: itf,
		domain.TimeframeHTF: htf,
	}
	return func(string) map[domain.Timeframe]int { return w }
}
