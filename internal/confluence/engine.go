package confluence

import (
	"errors"
	"fmt"

	"mtf-feed/internal/domain"
)

// MinSeriesLen is the shortest series a timeframe needs to be analysed.
const MinSeriesLen = 2

// ErrInsufficientData is returned when a timeframe series is too short.
var ErrInsufficientData = errors.New("insufficient candle data")

// Evaluation is the outcome of a confluence evaluation.
type Evaluation struct {
	Accepted   bool
	Direction  domain.Direction
	Score      float64
	Tier       domain.StrengthTier
	Multiplier float64
	Trends     []domain.TimeframeTrend
	// Reason explains a rejection.
	Reason string
}

// Engine evaluates aligned LTF/ITF/HTF series against a resolved configuration.
type Engine struct{}

// NewEngine creates an engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate reads each timeframe's trend, picks the direction required by the
// minimum confluence type and scores the weighted strengths of all three
// timeframes.
func (e *Engine) Evaluate(series map[domain.Timeframe][]domain.Candle, cfg domain.MTFConfig) (Evaluation, error) {
	trends := make([]domain.TimeframeTrend, 0, len(domain.AllTimeframes))
	for _, tf := range domain.AllTimeframes {
		s := series[tf]
		if len(s) < MinSeriesLen {
			return Evaluation{}, fmt.Errorf("%w: %s has %d candles", ErrInsufficientData, tf, len(s))
		}
		r := AnalyzeTrend(s)
		trends = append(trends, domain.TimeframeTrend{Timeframe: tf, Label: r.Label, Strength: r.Strength})
	}

	eval := Evaluation{Trends: trends}

	dir, ok := agreedDirection(trends, cfg.MinConfluenceType)
	if !ok {
		eval.Reason = fmt.Sprintf("no %s agreement", cfg.MinConfluenceType)
		return eval, nil
	}
	eval.Direction = dir
	eval.Score = Score(trends, cfg)
	eval.Tier = TierFor(eval.Score, cfg)
	eval.Multiplier = MultiplierFor(eval.Tier, cfg)

	if eval.Score < cfg.MinConfluenceScore {
		eval.Reason = fmt.Sprintf("score %.1f below minimum %.1f", eval.Score, cfg.MinConfluenceScore)
		return eval, nil
	}
	eval.Accepted = true
	return eval, nil
}

// Score is the weighted sum of the timeframe strengths. Weights are
// percentages. Direction is gated separately by the confluence type.
func Score(trends []domain.TimeframeTrend, cfg domain.MTFConfig) float64 {
	var score float64
	for _, t := range trends {
		score += cfg.Timeframe(t.Timeframe).Weight / 100 * t.Strength
	}
	return score
}

// TierFor buckets a score by the configured lower bounds.
func TierFor(score float64, cfg domain.MTFConfig) domain.StrengthTier {
	switch {
	case score >= cfg.ThresholdVeryStrong:
		return domain.TierVeryStrong
	case score >= cfg.ThresholdStrong:
		return domain.TierStrong
	case score >= cfg.ThresholdModerate:
		return domain.TierModerate
	default:
		return domain.TierWeak
	}
}

// MultiplierFor returns the sizing multiplier of a tier.
func MultiplierFor(tier domain.StrengthTier, cfg domain.MTFConfig) float64 {
	switch tier {
	case domain.TierVeryStrong:
		return cfg.MultiplierVeryStrong
	case domain.TierStrong:
		return cfg.MultiplierStrong
	case domain.TierModerate:
		return cfg.MultiplierModerate
	default:
		return cfg.MultiplierWeak
	}
}

// agreedDirection returns the direction satisfying the confluence type.
func agreedDirection(trends []domain.TimeframeTrend, ct domain.ConfluenceType) (domain.Direction, bool) {
	labels := make(map[domain.Timeframe]domain.TrendLabel, len(trends))
	for _, t := range trends {
		labels[t.Timeframe] = t.Label
	}

	for _, dir := range []domain.Direction{domain.DirectionLong, domain.DirectionShort} {
		want := labelFor(dir)
		agree := 0
		for _, l := range labels {
			if l == want {
				agree++
			}
		}

		switch ct {
		case domain.ConfluenceAllThree:
			if agree == 3 {
				return dir, true
			}
		case domain.ConfluenceHTFITF:
			if labels[domain.TimeframeHTF] == want && labels[domain.TimeframeITF] == want {
				return dir, true
			}
		case domain.ConfluenceAnyTwo:
			if agree >= 2 {
				return dir, true
			}
		}
	}
	return "", false
}

func labelFor(dir domain.Direction) domain.TrendLabel {
	if dir == domain.DirectionShort {
		return domain.TrendBearish
	}
	return domain.TrendBullish
}
