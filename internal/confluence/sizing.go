package confluence

import (
	"errors"
	"fmt"
	"math"

	"mtf-feed/internal/domain"
)

// SuppressionReason says why the risk gate refused a signal.
type SuppressionReason string

const (
	SuppressNoEdge          SuppressionReason = "NO_EDGE"
	SuppressPortfolioBudget SuppressionReason = "PORTFOLIO_BUDGET"
	SuppressStress          SuppressionReason = "STRESS_THROTTLE"
	SuppressUtility         SuppressionReason = "UTILITY_GATE"
	SuppressZeroSize        SuppressionReason = "ZERO_SIZE"
)

// ErrSuppressed matches every *SuppressedError.
var ErrSuppressed = errors.New("signal suppressed")

// SuppressedError is returned by Size when the risk gate refuses a signal.
type SuppressedError struct {
	Reason SuppressionReason
	Detail string
}

func (e *SuppressedError) Error() string {
	return fmt.Sprintf("signal suppressed: %s: %s", e.Reason, e.Detail)
}

// Is matches ErrSuppressed.
func (e *SuppressedError) Is(target error) bool {
	return target == ErrSuppressed
}

// SuppressionOf returns the reason of a suppression error.
func SuppressionOf(err error) (SuppressionReason, bool) {
	var se *SuppressedError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}

// BookState is the portfolio state the risk gate sizes against.
type BookState struct {
	OpenLogRisk float64 // sum of -ln(1-r) over open intents
	Drawdown    float64 // fraction below the equity peak, 0..1
}

// Sizing is the accepted size of an intent.
type Sizing struct {
	WinProbability float64 `json:"winProbability"`
	Kelly          float64 `json:"kelly"`     // full Kelly fraction f*
	KellyRisk      float64 `json:"kellyRisk"` // fractional, tier-scaled and capped Kelly
	PositionCap    float64 `json:"positionCap"`
	PortfolioCap   float64 `json:"portfolioCap"`
	StressFactor   float64 `json:"stressFactor"`
	UtilityRatio   float64 `json:"utilityRatio,omitempty"`
	Multiplier     float64 `json:"multiplier"`
	RiskFraction   float64 `json:"riskFraction"`
	LogRisk        float64 `json:"logRisk"`
}

// Sizer applies the Kelly and log-loss risk gate.
type Sizer struct{}

// NewSizer creates a sizer.
func NewSizer() *Sizer {
	return &Sizer{}
}

// WinProbability estimates the win probability of a signal from its score:
// 50% at score 0 rising linearly to 75% at score 100.
func WinProbability(score float64) float64 {
	s := math.Max(0, math.Min(100, score))
	return 0.5 + 0.25*s/100
}

// Size computes the risk fraction for an accepted evaluation:
//
//	r = min(KellyFraction * f* * multiplier capped at MaxKellyMultiplier * KellyFraction,
//	        1 - exp(-MaxPositionLogLoss),
//	        1 - exp(-(MaxPortfolioLogLoss - OpenLogRisk)))
//
// then scales r down under drawdown stress and checks the utility gate.
func (s *Sizer) Size(eval Evaluation, cfg domain.MTFConfig, book BookState) (Sizing, error) {
	p := WinProbability(eval.Score)
	b := cfg.TargetR
	if b <= 0 {
		return Sizing{}, &SuppressedError{Reason: SuppressNoEdge, Detail: "target R must be positive"}
	}

	out := Sizing{WinProbability: p, Multiplier: eval.Multiplier, StressFactor: 1}

	out.Kelly = p - (1-p)/b
	if out.Kelly <= 0 {
		return out, &SuppressedError{Reason: SuppressNoEdge, Detail: fmt.Sprintf("kelly %.4f", out.Kelly)}
	}

	out.KellyRisk = math.Min(cfg.KellyFraction*out.Kelly*eval.Multiplier, cfg.MaxKellyMultiplier*cfg.KellyFraction)
	out.PositionCap = 1 - math.Exp(-cfg.MaxPositionLogLoss)

	budget := cfg.MaxPortfolioLogLoss - book.OpenLogRisk
	if budget <= 0 {
		return out, &SuppressedError{
			Reason: SuppressPortfolioBudget,
			Detail: fmt.Sprintf("open log risk %.4f exhausts %.4f", book.OpenLogRisk, cfg.MaxPortfolioLogLoss),
		}
	}
	out.PortfolioCap = 1 - math.Exp(-budget)

	r := math.Min(out.KellyRisk, math.Min(out.PositionCap, out.PortfolioCap))

	if cfg.StressThrottleEnabled {
		out.StressFactor = StressFactor(book.Drawdown, cfg.StressThrottleBound)
		if out.StressFactor <= 0 {
			return out, &SuppressedError{
				Reason: SuppressStress,
				Detail: fmt.Sprintf("drawdown %.4f beyond twice bound %.4f", book.Drawdown, cfg.StressThrottleBound),
			}
		}
		r *= out.StressFactor
	}

	if r <= 0 {
		return out, &SuppressedError{Reason: SuppressZeroSize, Detail: "risk fraction is zero"}
	}

	if cfg.UtilityGateEnabled {
		out.UtilityRatio = UtilityRatio(p, b, r, cfg.UtilityAlpha, cfg.UtilityBeta, cfg.UtilityLambda)
		if out.UtilityRatio < cfg.MinAdvantageRatio {
			return out, &SuppressedError{
				Reason: SuppressUtility,
				Detail: fmt.Sprintf("advantage ratio %.3f below %.3f", out.UtilityRatio, cfg.MinAdvantageRatio),
			}
		}
	}

	out.RiskFraction = r
	out.LogRisk = -math.Log(1 - r)
	return out, nil
}

// StressFactor scales size under drawdown: 1 up to the bound, then linearly
// down to 0 at twice the bound. A non-positive bound disables the throttle.
func StressFactor(drawdown, bound float64) float64 {
	if bound <= 0 || drawdown <= bound {
		return 1
	}
	return math.Max(0, 1-(drawdown-bound)/bound)
}

// UtilityRatio is the prospect-theory advantage of a bet risking r to win b*r
// with probability p: p*(b*r)^alpha / ((1-p)*lambda*r^beta).
func UtilityRatio(p, b, r, alpha, beta, lambda float64) float64 {
	loss := (1 - p) * lambda * math.Pow(r, beta)
	if loss <= 0 {
		return math.Inf(1)
	}
	return p * math.Pow(b*r, alpha) / loss
}
