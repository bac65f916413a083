package live

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/metrics"
)

func TestRiskBook_OpenClose(t *testing.T) {
	b := NewRiskBook()
	b.Open("a", 0.02)
	b.Open("b", 0.01)
	b.Open("a", 0.02) // reopen is a no-op

	assert.Equal(t, 2, b.OpenCount())
	assert.InDelta(t, 0.03, b.State().OpenLogRisk, 1e-12)
	assert.Zero(t, b.State().Drawdown)

	// A loss puts the book below its peak.
	require.True(t, b.Close("a", math.Log(0.98)))
	assert.InDelta(t, 0.01, b.State().OpenLogRisk, 1e-12)
	assert.InDelta(t, 0.02, b.State().Drawdown, 1e-12)

	assert.False(t, b.Close("a", 0), "already closed")

	// A gain beyond the old peak clears the drawdown.
	require.True(t, b.Close("b", math.Log(1.05)))
	assert.Zero(t, b.State().OpenLogRisk)
	assert.Zero(t, b.State().Drawdown)
}

func TestRiskBook_Restore(t *testing.T) {
	b := NewRiskBook()
	b.Restore(&metrics.Stats{CumulativeLogReturn: math.Log(0.9), CurrentDrawdown: 0.1})
	assert.InDelta(t, 0.1, b.State().Drawdown, 1e-12)

	b.Restore(nil)
	assert.InDelta(t, 0.1, b.State().Drawdown, 1e-12)
}

func testIntent(id, symbol string, created time.Time) domain.Intent {
	return domain.Intent{
		ID:           id,
		SignalID:     "sig-" + id,
		Link:         testLink,
		Symbol:       symbol,
		Direction:    domain.DirectionLong,
		Entry:        100,
		Stop:         98,
		Target:       104,
		Stretch:      106,
		RiskFraction: 0.01,
		CreatedAt:    created,
	}
}

func priceTick(symbol string, price float64, at time.Time) domain.Tick {
	d := decimal.NewFromFloat(price)
	return domain.Tick{Symbol: symbol, Timestamp: at, LastPrice: &d}
}

func TestExitTracker_ReportsEachExitOnce(t *testing.T) {
	var exits []*domain.Trade
	tr := NewExitTracker(func(trade *domain.Trade) { exits = append(exits, trade) })

	tr.Track(testIntent("i2", "MSFT", baseTime.Add(time.Minute)))
	tr.Track(testIntent("i1", "AAPL", baseTime))
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, []string{"AAPL", "MSFT"}, tr.Symbols())

	open := tr.Open()
	require.Len(t, open, 2)
	assert.Equal(t, "i1", open[0].ID)

	tr.OnTick(priceTick("AAPL", 99, baseTime.Add(2*time.Minute)))
	assert.Empty(t, exits)

	tr.OnTick(priceTick("AAPL", 97.5, baseTime.Add(3*time.Minute)))
	require.Len(t, exits, 1)
	assert.Equal(t, "i1", exits[0].IntentID)
	assert.Equal(t, domain.ExitReasonInitialStop, exits[0].ExitReason)
	assert.Equal(t, []string{"MSFT"}, tr.Symbols())

	tr.OnTick(priceTick("AAPL", 90, baseTime.Add(4*time.Minute)))
	assert.Len(t, exits, 1)

	tr.OnTick(domain.Tick{Symbol: "MSFT", Timestamp: baseTime})
	assert.Equal(t, 1, tr.Len(), "tick without price is ignored")
}
