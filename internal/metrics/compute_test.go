package metrics

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage/memory"
)

var base = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func trade(id string, minute int, r, logReturn float64, reason string) *domain.Trade {
	class := domain.OutcomeClassLoss
	if r > 0 {
		class = domain.OutcomeClassWin
	}
	return &domain.Trade{
		ID:           id,
		Link:         domain.LinkID{UserID: 1, BrokerLinkID: 1},
		ExitTime:     base.Add(time.Duration(minute) * time.Minute),
		ExitReason:   reason,
		RMultiple:    r,
		LogReturn:    logReturn,
		OutcomeClass: class,
	}
}

func TestCompute_Empty(t *testing.T) {
	stats := Compute(nil)
	assert.Equal(t, 0, stats.TotalTrades)
	assert.Equal(t, 0.0, stats.WinRate)
	assert.NotNil(t, stats.ExitReasons)
}

func TestCompute_Distribution(t *testing.T) {
	trades := []*domain.Trade{
		trade("d", 4, 3, 0.03, domain.ExitReasonStretch),
		trade("a", 1, -1, -0.01, domain.ExitReasonInitialStop),
		trade("c", 3, 2, 0.02, domain.ExitReasonTarget),
		trade("b", 2, -1, -0.01, domain.ExitReasonInitialStop),
	}

	stats := Compute(trades)
	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 2, stats.Wins)
	assert.Equal(t, 2, stats.Losses)
	assert.Equal(t, 0.5, stats.WinRate)
	assert.InDelta(t, 0.75, stats.MeanR, 1e-12)
	assert.InDelta(t, 0.5, stats.MedianR, 1e-12)
	assert.Equal(t, -1.0, stats.MinR)
	assert.Equal(t, 3.0, stats.MaxR)
	assert.Equal(t, 2, stats.MaxConsecutiveLosses, "a and b are consecutive once sorted by exit time")
	assert.Equal(t, 2, stats.ExitReasons[domain.ExitReasonInitialStop])
	assert.InDelta(t, 0.03, stats.CumulativeLogReturn, 1e-12)

	// The curve drops 0.02 below its starting peak, then recovers past it.
	assert.InDelta(t, 1-math.Exp(-0.02), stats.MaxDrawdown, 1e-12)
	assert.Equal(t, 0.0, stats.CurrentDrawdown)
}

func TestCompute_CurrentDrawdown(t *testing.T) {
	trades := []*domain.Trade{
		trade("a", 1, 2, 0.05, domain.ExitReasonTarget),
		trade("b", 2, -1, -0.02, domain.ExitReasonInitialStop),
		trade("c", 3, -1, -0.03, domain.ExitReasonInitialStop),
	}

	stats := Compute(trades)
	assert.InDelta(t, 1-math.Exp(-0.05), stats.CurrentDrawdown, 1e-12)
	assert.InDelta(t, stats.CurrentDrawdown, stats.MaxDrawdown, 1e-12)
}

func TestComputePercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 3.0, computePercentile(sorted, 0.5))
	assert.InDelta(t, 1.4, computePercentile(sorted, 0.1), 1e-12)
	assert.Equal(t, 5.0, computePercentile(sorted, 1))
	assert.Equal(t, 7.0, computePercentile([]float64{7}, 0.9))
	assert.Equal(t, 0.0, computePercentile(nil, 0.5))
}

func TestComputeStddev(t *testing.T) {
	assert.Equal(t, 0.0, computeStddev([]float64{1}, 1))
	assert.InDelta(t, math.Sqrt(2.5), computeStddev([]float64{1, 2, 3, 4, 5}, 3), 1e-12)
}

func TestAggregator_ForLink(t *testing.T) {
	store := memory.NewTradeStore()
	ctx := context.Background()
	link := domain.LinkID{UserID: 1, BrokerLinkID: 1}

	require.NoError(t, store.Insert(ctx, trade("a", 1, 2, 0.02, domain.ExitReasonTarget)))
	require.NoError(t, store.Insert(ctx, trade("b", 2, -1, -0.01, domain.ExitReasonInitialStop)))

	stats, err := NewAggregator(store).ForLink(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTrades)

	stats, err = NewAggregator(store).ForLink(ctx, domain.LinkID{UserID: 2, BrokerLinkID: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTrades)
}
