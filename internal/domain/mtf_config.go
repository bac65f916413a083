package domain

import "time"

// ConfluenceType is the minimum agreement required between timeframes.
type ConfluenceType string

const (
	ConfluenceAnyTwo   ConfluenceType = "ANY_TWO"   // any two timeframes agree
	ConfluenceHTFITF   ConfluenceType = "HTF_ITF"   // HTF and ITF agree
	ConfluenceAllThree ConfluenceType = "ALL_THREE" // all three agree
)

// TimeframeSettings configures one aggregation cadence.
type TimeframeSettings struct {
	WidthMinutes    int     `json:"widthMinutes" yaml:"width_minutes"`
	RetainedCandles int     `json:"retainedCandles" yaml:"retained_candles"`
	Weight          float64 `json:"weight" yaml:"weight"` // percent, LTF+ITF+HTF = 100
}

// MTFConfig is the global multi-timeframe configuration.
type MTFConfig struct {
	Version int `json:"version" yaml:"-"`

	LTF TimeframeSettings `json:"ltf" yaml:"ltf"`
	ITF TimeframeSettings `json:"itf" yaml:"itf"`
	HTF TimeframeSettings `json:"htf" yaml:"htf"`

	MinConfluenceType  ConfluenceType `json:"minConfluenceType" yaml:"min_confluence_type"`
	MinConfluenceScore float64        `json:"minConfluenceScore" yaml:"min_confluence_score"`

	// Strength tier lower bounds on the confluence score.
	ThresholdVeryStrong float64 `json:"thresholdVeryStrong" yaml:"threshold_very_strong"`
	ThresholdStrong     float64 `json:"thresholdStrong" yaml:"threshold_strong"`
	ThresholdModerate   float64 `json:"thresholdModerate" yaml:"threshold_moderate"`

	MultiplierVeryStrong float64 `json:"multiplierVeryStrong" yaml:"multiplier_very_strong"`
	MultiplierStrong     float64 `json:"multiplierStrong" yaml:"multiplier_strong"`
	MultiplierModerate   float64 `json:"multiplierModerate" yaml:"multiplier_moderate"`
	MultiplierWeak       float64 `json:"multiplierWeak" yaml:"multiplier_weak"`

	KellyFraction         float64 `json:"kellyFraction" yaml:"kelly_fraction"`
	MaxKellyMultiplier    float64 `json:"maxKellyMultiplier" yaml:"max_kelly_multiplier"`
	MaxPositionLogLoss    float64 `json:"maxPositionLogLoss" yaml:"max_position_log_loss"`
	MaxPortfolioLogLoss   float64 `json:"maxPortfolioLogLoss" yaml:"max_portfolio_log_loss"`
	StressThrottleEnabled bool    `json:"stressThrottleEnabled" yaml:"stress_throttle_enabled"`
	StressThrottleBound   float64 `json:"stressThrottleBound" yaml:"stress_throttle_bound"` // drawdown fraction
	UtilityGateEnabled    bool    `json:"utilityGateEnabled" yaml:"utility_gate_enabled"`
	UtilityAlpha          float64 `json:"utilityAlpha" yaml:"utility_alpha"`
	UtilityBeta           float64 `json:"utilityBeta" yaml:"utility_beta"`
	UtilityLambda         float64 `json:"utilityLambda" yaml:"utility_lambda"`
	MinAdvantageRatio     float64 `json:"minAdvantageRatio" yaml:"min_advantage_ratio"`

	TrailingActivationPct float64 `json:"trailingActivationPct" yaml:"trailing_activation_pct"`
	TrailingDistancePct   float64 `json:"trailingDistancePct" yaml:"trailing_distance_pct"`
	TargetR               float64 `json:"targetR" yaml:"target_r"`
	StretchR              float64 `json:"stretchR" yaml:"stretch_r"`
	StopATRMultiple       float64 `json:"stopAtrMultiple" yaml:"stop_atr_multiple"`

	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// Timeframe returns the settings for tf.
func (c *MTFConfig) Timeframe(tf Timeframe) TimeframeSettings {
	switch tf {
	case TimeframeLTF:
		return c.LTF
	case TimeframeITF:
		return c.ITF
	default:
		return c.HTF
	}
}

// DefaultMTFConfig returns the configuration used when nothing is stored.
func DefaultMTFConfig() MTFConfig {
	return MTFConfig{
		Version: 1,
		LTF:     TimeframeSettings{WidthMinutes: 5, RetainedCandles: 200, Weight: 20},
		ITF:     TimeframeSettings{WidthMinutes: 15, RetainedCandles: 200, Weight: 30},
		HTF:     TimeframeSettings{WidthMinutes: 60, RetainedCandles: 200, Weight: 50},

		MinConfluenceType:  ConfluenceHTFITF,
		MinConfluenceScore: 40,

		ThresholdVeryStrong: 80,
		ThresholdStrong:     65,
		ThresholdModerate:   50,

		MultiplierVeryStrong: 1.5,
		MultiplierStrong:     1.2,
		MultiplierModerate:   1.0,
		MultiplierWeak:       0.5,

		KellyFraction:       0.25,
		MaxKellyMultiplier:  2.0,
		MaxPositionLogLoss:  0.02,
		MaxPortfolioLogLoss: 0.06,
		StressThrottleBound: 0.10,
		UtilityAlpha:        0.88,
		UtilityBeta:         0.88,
		UtilityLambda:       2.25,
		MinAdvantageRatio:   1.0,

		TrailingActivationPct: 1.0,
		TrailingDistancePct:   0.5,
		TargetR:               2.0,
		StretchR:              3.0,
		StopATRMultiple:       1.5,
	}
}

// TimeframeOverride is the nullable form of TimeframeSettings.
type TimeframeOverride struct {
	WidthMinutes    *int     `json:"widthMinutes,omitempty"`
	RetainedCandles *int     `json:"retainedCandles,omitempty"`
	Weight          *float64 `json:"weight,omitempty"`
}

// MTFOverride carries per-symbol (and optionally per-link) overrides.
// Every field is nullable: nil inherits the next level.
type MTFOverride struct {
	Symbol string  `json:"symbol"`
	Link   *LinkID `json:"-"`

	LTF TimeframeOverride `json:"ltf"`
	ITF TimeframeOverride `json:"itf"`
	HTF TimeframeOverride `json:"htf"`

	MinConfluenceType  *ConfluenceType `json:"minConfluenceType,omitempty"`
	MinConfluenceScore *float64        `json:"minConfluenceScore,omitempty"`

	ThresholdVeryStrong *float64 `json:"thresholdVeryStrong,omitempty"`
	ThresholdStrong     *float64 `json:"thresholdStrong,omitempty"`
	ThresholdModerate   *float64 `json:"thresholdModerate,omitempty"`

	MultiplierVeryStrong *float64 `json:"multiplierVeryStrong,omitempty"`
	MultiplierStrong     *float64 `json:"multiplierStrong,omitempty"`
	MultiplierModerate   *float64 `json:"multiplierModerate,omitempty"`
	MultiplierWeak       *float64 `json:"multiplierWeak,omitempty"`

	KellyFraction         *float64 `json:"kellyFraction,omitempty"`
	MaxKellyMultiplier    *float64 `json:"maxKellyMultiplier,omitempty"`
	MaxPositionLogLoss    *float64 `json:"maxPositionLogLoss,omitempty"`
	MaxPortfolioLogLoss   *float64 `json:"maxPortfolioLogLoss,omitempty"`
	StressThrottleEnabled *bool    `json:"stressThrottleEnabled,omitempty"`
	StressThrottleBound   *float64 `json:"stressThrottleBound,omitempty"`
	UtilityGateEnabled    *bool    `json:"utilityGateEnabled,omitempty"`
	UtilityAlpha          *float64 `json:"utilityAlpha,omitempty"`
	UtilityBeta           *float64 `json:"utilityBeta,omitempty"`
	UtilityLambda         *float64 `json:"utilityLambda,omitempty"`
	MinAdvantageRatio     *float64 `json:"minAdvantageRatio,omitempty"`

	TrailingActivationPct *float64 `json:"trailingActivationPct,omitempty"`
	TrailingDistancePct   *float64 `json:"trailingDistancePct,omitempty"`
	TargetR               *float64 `json:"targetR,omitempty"`
	StretchR              *float64 `json:"stretchR,omitempty"`
	StopATRMultiple       *float64 `json:"stopAtrMultiple,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// ApplyTo returns base with every non-nil field of o written over it.
func (o *MTFOverride) ApplyTo(base MTFConfig) MTFConfig {
	if o == nil {
		return base
	}
	out := base
	o.LTF.applyTo(&out.LTF)
	o.ITF.applyTo(&out.ITF)
	o.HTF.applyTo(&out.HTF)

	set(&out.MinConfluenceType, o.MinConfluenceType)
	set(&out.MinConfluenceScore, o.MinConfluenceScore)
	set(&out.ThresholdVeryStrong, o.ThresholdVeryStrong)
	set(&out.ThresholdStrong, o.ThresholdStrong)
	set(&out.ThresholdModerate, o.ThresholdModerate)
	set(&out.MultiplierVeryStrong, o.MultiplierVeryStrong)
	set(&out.MultiplierStrong, o.MultiplierStrong)
	set(&out.MultiplierModerate, o.MultiplierModerate)
	set(&out.MultiplierWeak, o.MultiplierWeak)
	set(&out.KellyFraction, o.KellyFraction)
	set(&out.MaxKellyMultiplier, o.MaxKellyMultiplier)
	set(&out.MaxPositionLogLoss, o.MaxPositionLogLoss)
	set(&out.MaxPortfolioLogLoss, o.MaxPortfolioLogLoss)
	set(&out.StressThrottleEnabled, o.StressThrottleEnabled)
	set(&out.StressThrottleBound, o.StressThrottleBound)
	set(&out.UtilityGateEnabled, o.UtilityGateEnabled)
	set(&out.UtilityAlpha, o.UtilityAlpha)
	set(&out.UtilityBeta, o.UtilityBeta)
	set(&out.UtilityLambda, o.UtilityLambda)
	set(&out.MinAdvantageRatio, o.MinAdvantageRatio)
	set(&out.TrailingActivationPct, o.TrailingActivationPct)
	set(&out.TrailingDistancePct, o.TrailingDistancePct)
	set(&out.TargetR, o.TargetR)
	set(&out.StretchR, o.StretchR)
	set(&out.StopATRMultiple, o.StopATRMultiple)
	return out
}

func (o TimeframeOverride) applyTo(s *TimeframeSettings) {
	set(&s.WidthMinutes, o.WidthMinutes)
	set(&s.RetainedCandles, o.RetainedCandles)
	set(&s.Weight, o.Weight)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
