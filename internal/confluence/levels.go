package confluence

import (
	"errors"
	"time"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/idhash"
)

// ATRPeriod is the lookback of the stop distance ATR.
const ATRPeriod = 14

// ErrNoStopDistance is returned when the LTF series has no range to place a stop.
var ErrNoStopDistance = errors.New("no stop distance")

// BuildSignal turns an accepted evaluation into a signal. Entry is the last
// LTF close; the stop sits StopATRMultiple LTF ATRs away and target/stretch
// are TargetR/StretchR multiples of that distance. The signal expires one
// ITF width after generation.
func BuildSignal(
	link domain.LinkID,
	symbol string,
	eval Evaluation,
	series map[domain.Timeframe][]domain.Candle,
	cfg domain.MTFConfig,
	now time.Time,
) (*domain.Signal, error) {
	ltf := series[domain.TimeframeLTF]
	if len(ltf) < MinSeriesLen {
		return nil, ErrInsufficientData
	}
	entry := ltf[len(ltf)-1].Close
	dist := ATR(ltf, ATRPeriod) * cfg.StopATRMultiple
	if dist <= 0 {
		return nil, ErrNoStopDistance
	}

	sign := 1.0
	if eval.Direction == domain.DirectionShort {
		sign = -1
	}

	now = now.UTC()
	return &domain.Signal{
		ID:          idhash.ComputeSignalID(link, symbol, eval.Direction, now.UnixMilli()),
		Link:        link,
		Symbol:      symbol,
		Direction:   eval.Direction,
		Score:       eval.Score,
		Tier:        eval.Tier,
		Entry:       entry,
		Stop:        entry - sign*dist,
		Target:      entry + sign*cfg.TargetR*dist,
		Stretch:     entry + sign*cfg.StretchR*dist,
		Trends:      append([]domain.TimeframeTrend(nil), eval.Trends...),
		GeneratedAt: now,
		ExpiresAt:   now.Add(time.Duration(cfg.ITF.WidthMinutes) * time.Minute),
		Status:      domain.SignalActive,
	}, nil
}

// BuildIntent attaches sizing and exit parameters to a signal.
func BuildIntent(sig *domain.Signal, sizing Sizing, cfg domain.MTFConfig, now time.Time) *domain.Intent {
	return &domain.Intent{
		ID:                    idhash.ComputeIntentID(sig.ID),
		SignalID:              sig.ID,
		Link:                  sig.Link,
		Symbol:                sig.Symbol,
		Direction:             sig.Direction,
		Entry:                 sig.Entry,
		Stop:                  sig.Stop,
		Target:                sig.Target,
		Stretch:               sig.Stretch,
		RiskFraction:          sizing.RiskFraction,
		Multiplier:            sizing.Multiplier,
		LogRisk:               sizing.LogRisk,
		TrailingActivationPct: cfg.TrailingActivationPct,
		TrailingDistancePct:   cfg.TrailingDistancePct,
		CreatedAt:             now.UTC(),
	}
}
