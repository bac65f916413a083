// Package metrics computes outcome statistics of closed trades.
package metrics

import (
	"math"
	"sort"

	"mtf-feed/internal/domain"
)

// Stats summarizes the closed trades of one link.
type Stats struct {
	TotalTrades int     `json:"totalTrades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"winRate"`

	// R-multiple distribution
	MeanR   float64 `json:"meanR"`
	MedianR float64 `json:"medianR"`
	P10R    float64 `json:"p10R"`
	P90R    float64 `json:"p90R"`
	MinR    float64 `json:"minR"`
	MaxR    float64 `json:"maxR"`
	StddevR float64 `json:"stddevR"`

	// Equity curve from per-trade log returns
	CumulativeLogReturn float64 `json:"cumulativeLogReturn"`
	MaxDrawdown         float64 `json:"maxDrawdown"`     // fraction of peak equity
	CurrentDrawdown     float64 `json:"currentDrawdown"` // fraction of peak equity

	MaxConsecutiveLosses int            `json:"maxConsecutiveLosses"`
	ExitReasons          map[string]int `json:"exitReasons"`
}

// Compute calculates Stats from trades. Trades are sorted by exit time ASC,
// id ASC before the order-dependent figures are computed.
func Compute(trades []*domain.Trade) *Stats {
	n := len(trades)
	stats := &Stats{ExitReasons: make(map[string]int)}
	if n == 0 {
		return stats
	}

	sorted := make([]*domain.Trade, n)
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].ExitTime.Equal(sorted[j].ExitTime) {
			return sorted[i].ExitTime.Before(sorted[j].ExitTime)
		}
		return sorted[i].ID < sorted[j].ID
	})

	rs := make([]float64, n)
	logReturns := make([]float64, n)
	for i, t := range sorted {
		if t.OutcomeClass == domain.OutcomeClassWin {
			stats.Wins++
		} else {
			stats.Losses++
		}
		stats.ExitReasons[t.ExitReason]++
		rs[i] = t.RMultiple
		logReturns[i] = t.LogReturn
	}

	sortedR := make([]float64, n)
	copy(sortedR, rs)
	sort.Float64s(sortedR)

	mean := computeMean(rs)
	stats.TotalTrades = n
	stats.WinRate = computeWinRate(stats.Wins, n)
	stats.MeanR = mean
	stats.MedianR = computePercentile(sortedR, 0.50)
	stats.P10R = computePercentile(sortedR, 0.10)
	stats.P90R = computePercentile(sortedR, 0.90)
	stats.MinR = sortedR[0]
	stats.MaxR = sortedR[n-1]
	stats.StddevR = computeStddev(rs, mean)

	stats.CumulativeLogReturn, stats.MaxDrawdown, stats.CurrentDrawdown = computeDrawdown(logReturns)
	stats.MaxConsecutiveLosses = computeMaxConsecutiveLosses(sorted)
	return stats
}

// computeWinRate calculates win rate as wins / total.
func computeWinRate(wins, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total)
}

// computeMean calculates the arithmetic mean.
func computeMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// computeStddev calculates sample standard deviation (n-1 denominator).
func computeStddev(values []float64, mean float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(n-1))
}

// computePercentile uses linear interpolation. sorted must be ascending.
func computePercentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	idx := p * float64(n-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// computeDrawdown walks the log-equity curve in chronological order and
// returns the cumulative log return with the worst and the current
// peak-to-trough drawdown as fractions of peak equity.
func computeDrawdown(logReturns []float64) (cumulative, maxDrawdown, current float64) {
	peak := 0.0
	worstGap := 0.0
	for _, lr := range logReturns {
		cumulative += lr
		if cumulative > peak {
			peak = cumulative
		}
		if gap := peak - cumulative; gap > worstGap {
			worstGap = gap
		}
	}
	return cumulative, 1 - math.Exp(-worstGap), 1 - math.Exp(-(peak - cumulative))
}

// computeMaxConsecutiveLosses finds the longest streak of losing trades.
// Trades must be in chronological order.
func computeMaxConsecutiveLosses(trades []*domain.Trade) int {
	maxStreak := 0
	currentStreak := 0

	for _, t := range trades {
		if t.OutcomeClass != domain.OutcomeClassWin {
			currentStreak++
			if currentStreak > maxStreak {
				maxStreak = currentStreak
			}
		} else {
			currentStreak = 0
		}
	}
	return maxStreak
}
