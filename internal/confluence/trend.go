// Package confluence scores multi-timeframe trend agreement and sizes the
// resulting signals under the configured risk limits.
package confluence

import (
	"math"

	"mtf-feed/internal/domain"
)

// NeutralBelow is the strength under which a trend is labelled NEUTRAL.
const NeutralBelow = 10.0

// TrendReading is one timeframe's trend.
type TrendReading struct {
	Label    domain.TrendLabel
	Strength float64 // 0..100
}

// AnalyzeTrend reads the trend of a candle series with the Kaufman
// efficiency ratio: strength = 100 * |net close change| / sum |close changes|.
// Fewer than two candles, or a flat series, is NEUTRAL with zero strength.
func AnalyzeTrend(candles []domain.Candle) TrendReading {
	if len(candles) < 2 {
		return TrendReading{Label: domain.TrendNeutral}
	}

	net := candles[len(candles)-1].Close - candles[0].Close
	var path float64
	for i := 1; i < len(candles); i++ {
		path += math.Abs(candles[i].Close - candles[i-1].Close)
	}
	if path == 0 {
		return TrendReading{Label: domain.TrendNeutral}
	}

	strength := 100 * math.Abs(net) / path
	switch {
	case strength < NeutralBelow:
		return TrendReading{Label: domain.TrendNeutral, Strength: strength}
	case net > 0:
		return TrendReading{Label: domain.TrendBullish, Strength: strength}
	default:
		return TrendReading{Label: domain.TrendBearish, Strength: strength}
	}
}

// ATR is the average true range over the last period candles.
// Returns 0 when fewer than two candles are given.
func ATR(candles []domain.Candle, period int) float64 {
	if len(candles) < 2 || period <= 0 {
		return 0
	}
	start := len(candles) - period
	if start < 1 {
		start = 1
	}

	var sum float64
	n := 0
	for i := start; i < len(candles); i++ {
		c, prevClose := candles[i], candles[i-1].Close
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		sum += tr
		n++
	}
	return sum / float64(n)
}
