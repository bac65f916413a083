package strategy

import (
	"math"
	"time"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/idhash"
)

// minEquityRatio bounds the log return of a gap far through the stop.
const minEquityRatio = 1e-9

// buildTrade constructs the closed trade of intent exiting at price.
func buildTrade(intent domain.Intent, price float64, reason string, at time.Time, peak float64) *domain.Trade {
	sign := 1.0
	if intent.Direction == domain.DirectionShort {
		sign = -1
	}

	move := sign * (price - intent.Entry)
	gross := 0.0
	if intent.Entry != 0 {
		gross = move / intent.Entry
	}
	r := 0.0
	if dist := math.Abs(intent.Entry - intent.Stop); dist > 0 {
		r = move / dist
	}
	logReturn := math.Log(math.Max(1+intent.RiskFraction*r, minEquityRatio))

	outcome := domain.OutcomeClassLoss
	if gross > 0 {
		outcome = domain.OutcomeClassWin
	}

	exitTime := at.UTC()
	return &domain.Trade{
		ID:           idhash.ComputeTradeID(intent.ID, reason, exitTime.UnixMilli()),
		IntentID:     intent.ID,
		SignalID:     intent.SignalID,
		Link:         intent.Link,
		Symbol:       intent.Symbol,
		Direction:    intent.Direction,
		EntryTime:    intent.CreatedAt,
		EntryPrice:   intent.Entry,
		Stop:         intent.Stop,
		RiskFraction: intent.RiskFraction,
		ExitTime:     exitTime,
		ExitPrice:    price,
		ExitReason:   reason,
		PeakPrice:    peak,
		GrossReturn:  gross,
		RMultiple:    r,
		LogReturn:    logReturn,
		OutcomeClass: outcome,
	}
}
