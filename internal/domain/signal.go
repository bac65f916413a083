package domain

import "time"

// Direction is the side of a signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// TrendLabel is the per-timeframe trend classification.
type TrendLabel string

const (
	TrendBullish TrendLabel = "BULLISH"
	TrendBearish TrendLabel = "BEARISH"
	TrendNeutral TrendLabel = "NEUTRAL"
)

// StrengthTier buckets a confluence score.
type StrengthTier string

const (
	TierVeryStrong StrengthTier = "VERY_STRONG"
	TierStrong     StrengthTier = "STRONG"
	TierModerate   StrengthTier = "MODERATE"
	TierWeak       StrengthTier = "WEAK"
)

// SignalStatus is the lifecycle state of a published signal.
type SignalStatus string

const (
	SignalActive     SignalStatus = "ACTIVE"
	SignalExpired    SignalStatus = "EXPIRED"
	SignalSuppressed SignalStatus = "SUPPRESSED"
)

// TimeframeTrend is one timeframe's contribution to a signal.
type TimeframeTrend struct {
	Timeframe Timeframe  `json:"timeframe"`
	Label     TrendLabel `json:"label"`
	Strength  float64    `json:"strength"`
}

// Signal is a directional confluence signal. Immutable once published
// apart from Status transitions to EXPIRED.
type Signal struct {
	ID          string           `json:"id"`
	Link        LinkID           `json:"-"`
	Symbol      string           `json:"symbol"`
	Direction   Direction        `json:"direction"`
	Score       float64          `json:"score"`
	Tier        StrengthTier     `json:"tier"`
	Entry       float64          `json:"entry"`
	Target      float64          `json:"target"`
	Stretch     float64          `json:"stretch"`
	Stop        float64          `json:"stop"`
	Trends      []TimeframeTrend `json:"trends"`
	GeneratedAt time.Time        `json:"generatedAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	Status      SignalStatus     `json:"status"`
}

// Intent is an actionable, risk-sized trade intent derived from a signal.
type Intent struct {
	ID           string    `json:"id"`
	SignalID     string    `json:"signalId"`
	Link         LinkID    `json:"-"`
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	Entry        float64   `json:"entry"`
	Stop         float64   `json:"stop"`
	Target       float64   `json:"target"`
	Stretch      float64   `json:"stretch"`
	RiskFraction float64   `json:"riskFraction"` // fraction of equity at risk
	Multiplier   float64   `json:"multiplier"`   // tier sizing multiplier
	LogRisk      float64   `json:"logRisk"`      // -ln(1 - RiskFraction)

	TrailingActivationPct float64 `json:"trailingActivationPct"`
	TrailingDistancePct   float64 `json:"trailingDistancePct"`

	CreatedAt time.Time `json:"createdAt"`
}
