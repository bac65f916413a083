package stub

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"mtf-feed/internal/domain"
)

// Generator emits random-walk ticks for every symbol subscribed on an adapter.
type Generator struct {
	adapter  *Adapter
	interval time.Duration
	rnd      *rand.Rand
	prices   map[string]float64
}

// NewGenerator creates a generator ticking every interval.
func NewGenerator(a *Adapter, interval time.Duration, seed int64) *Generator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Generator{
		adapter:  a,
		interval: interval,
		rnd:      rand.New(rand.NewSource(seed)),
		prices:   make(map[string]float64),
	}
}

// Run emits ticks until ctx is done.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !g.adapter.IsConnected() {
				continue
			}
			for _, t := range g.Step(now) {
				g.adapter.Emit(t)
			}
		}
	}
}

// Step advances every subscribed symbol by one random step and returns the ticks.
func (g *Generator) Step(now time.Time) []domain.Tick {
	symbols := g.adapter.Subscribed()
	ticks := make([]domain.Tick, 0, len(symbols))

	for _, symbol := range symbols {
		price, ok := g.prices[symbol]
		if !ok {
			price = seedPrice(symbol)
		}
		price *= 1 + g.rnd.NormFloat64()*0.0015
		price = math.Max(price, 0.01)
		g.prices[symbol] = price

		last := decimal.NewFromFloat(price).Round(2)
		spread := decimal.NewFromFloat(0.01)
		bid := last.Sub(spread)
		ask := last.Add(spread)
		ticks = append(ticks, domain.Tick{
			Symbol:    symbol,
			Timestamp: now.UTC(),
			LastPrice: &last,
			Volume:    int64(1 + g.rnd.Intn(500)),
			Bid:       &bid,
			Ask:       &ask,
			BidQty:    int64(1 + g.rnd.Intn(100)),
			AskQty:    int64(1 + g.rnd.Intn(100)),
		})
	}
	return ticks
}

// SynthesizeCandles builds a deterministic random-walk candle series for
// buckets with start in [from, to).
func SynthesizeCandles(symbol string, widthMinutes int, from, to time.Time) []*domain.Candle {
	if widthMinutes <= 0 || !from.Before(to) {
		return nil
	}
	width := time.Duration(widthMinutes) * time.Minute
	start := domain.BucketStart(from, widthMinutes)
	if start.Before(from) {
		start = start.Add(width)
	}

	var candles []*domain.Candle
	for ts := start; ts.Before(to); ts = ts.Add(width) {
		rnd := rand.New(rand.NewSource(bucketSeed(symbol, widthMinutes, ts)))
		base := seedPrice(symbol) * (1 + 0.05*math.Sin(float64(ts.Unix())/86400))
		open := base * (1 + rnd.NormFloat64()*0.002)
		closePrice := open * (1 + rnd.NormFloat64()*0.003)
		high := math.Max(open, closePrice) * (1 + rnd.Float64()*0.002)
		low := math.Min(open, closePrice) * (1 - rnd.Float64()*0.002)
		candles = append(candles, &domain.Candle{
			Symbol:       symbol,
			WidthMinutes: widthMinutes,
			Start:        ts,
			Open:         open,
			High:         high,
			Low:          low,
			Close:        closePrice,
			Volume:       int64(100 + rnd.Intn(10000)),
			Closed:       true,
		})
	}
	return candles
}

func seedPrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 20 + float64(h.Sum32()%480)
}

func bucketSeed(symbol string, width int, ts time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return int64(h.Sum64()) ^ int64(width)<<48 ^ ts.Unix()
}
