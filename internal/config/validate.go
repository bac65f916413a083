package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"mtf-feed/internal/domain"
)

// ErrInvalidConfig is joined with every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid MTF config")

// Retained candle bounds.
const (
	MinRetainedCandles = 2
	MaxRetainedCandles = 5000
)

// FieldError is one rejected configuration field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks cfg. The returned error matches ErrInvalidConfig and wraps
// one *FieldError per rejected field.
func Validate(cfg domain.MTFConfig) error {
	v := &validator{}

	prevWidth := 0
	var weights float64
	for _, tf := range domain.AllTimeframes {
		s := cfg.Timeframe(tf)
		name := string(tf)
		if s.WidthMinutes <= 0 {
			v.fail(name+".widthMinutes", "must be positive")
		} else if s.WidthMinutes <= prevWidth {
			v.fail(name+".widthMinutes", "must be wider than the lower timeframe")
		}
		prevWidth = s.WidthMinutes
		if s.RetainedCandles < MinRetainedCandles || s.RetainedCandles > MaxRetainedCandles {
			v.fail(name+".retainedCandles", fmt.Sprintf("must be in [%d, %d]", MinRetainedCandles, MaxRetainedCandles))
		}
		if s.Weight < 0 || s.Weight > 100 {
			v.fail(name+".weight", "must be in [0, 100]")
		}
		weights += s.Weight
	}
	if math.Abs(weights-100) > 1e-6 {
		v.fail("weights", fmt.Sprintf("must sum to 100, got %g", weights))
	}

	switch cfg.MinConfluenceType {
	case domain.ConfluenceAnyTwo, domain.ConfluenceHTFITF, domain.ConfluenceAllThree:
	default:
		v.fail("minConfluenceType", fmt.Sprintf("unknown type %q", cfg.MinConfluenceType))
	}
	v.between("minConfluenceScore", cfg.MinConfluenceScore, 0, 100)

	v.between("thresholdModerate", cfg.ThresholdModerate, 0, 100)
	v.between("thresholdStrong", cfg.ThresholdStrong, 0, 100)
	v.between("thresholdVeryStrong", cfg.ThresholdVeryStrong, 0, 100)
	if cfg.ThresholdModerate > cfg.ThresholdStrong || cfg.ThresholdStrong > cfg.ThresholdVeryStrong {
		v.fail("thresholds", "must satisfy moderate <= strong <= veryStrong")
	}

	v.nonNegative("multiplierVeryStrong", cfg.MultiplierVeryStrong)
	v.nonNegative("multiplierStrong", cfg.MultiplierStrong)
	v.nonNegative("multiplierModerate", cfg.MultiplierModerate)
	v.nonNegative("multiplierWeak", cfg.MultiplierWeak)

	if cfg.KellyFraction <= 0 || cfg.KellyFraction > 1 {
		v.fail("kellyFraction", "must be in (0, 1]")
	}
	v.positive("maxKellyMultiplier", cfg.MaxKellyMultiplier)
	v.positive("maxPositionLogLoss", cfg.MaxPositionLogLoss)
	v.positive("maxPortfolioLogLoss", cfg.MaxPortfolioLogLoss)
	if cfg.MaxPortfolioLogLoss < cfg.MaxPositionLogLoss {
		v.fail("maxPortfolioLogLoss", "must not be below maxPositionLogLoss")
	}
	if cfg.StressThrottleEnabled && (cfg.StressThrottleBound <= 0 || cfg.StressThrottleBound >= 1) {
		v.fail("stressThrottleBound", "must be in (0, 1) when the throttle is enabled")
	}
	if cfg.UtilityGateEnabled {
		if cfg.UtilityAlpha <= 0 || cfg.UtilityAlpha > 1 {
			v.fail("utilityAlpha", "must be in (0, 1]")
		}
		if cfg.UtilityBeta <= 0 || cfg.UtilityBeta > 1 {
			v.fail("utilityBeta", "must be in (0, 1]")
		}
		v.positive("utilityLambda", cfg.UtilityLambda)
		v.nonNegative("minAdvantageRatio", cfg.MinAdvantageRatio)
	}

	v.nonNegative("trailingActivationPct", cfg.TrailingActivationPct)
	v.nonNegative("trailingDistancePct", cfg.TrailingDistancePct)
	v.positive("targetR", cfg.TargetR)
	if cfg.StretchR < cfg.TargetR {
		v.fail("stretchR", "must not be below targetR")
	}
	v.positive("stopAtrMultiple", cfg.StopATRMultiple)

	return v.err()
}

// ValidateOverride checks an override by validating the configuration it resolves to.
func ValidateOverride(o *domain.MTFOverride, base domain.MTFConfig) error {
	if o.Symbol == "" {
		return errors.Join(ErrInvalidConfig, &FieldError{Field: "symbol", Message: "is required"})
	}
	return Validate(o.ApplyTo(base))
}

// FieldErrors extracts the field errors of a validation error.
func FieldErrors(err error) []*FieldError {
	var out []*FieldError
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if fe, ok := e.(*FieldError); ok {
			out = append(out, fe)
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		walk(errors.Unwrap(e))
	}
	walk(err)
	return out
}

// LoadMTFYAML reads a global MTF config from a YAML file. Fields absent
// from the file keep their defaults.
func LoadMTFYAML(path string) (domain.MTFConfig, error) {
	cfg := domain.DefaultMTFConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type validator struct {
	errs []error
}

func (v *validator) fail(field, msg string) {
	v.errs = append(v.errs, &FieldError{Field: field, Message: msg})
}

func (v *validator) between(field string, x, lo, hi float64) {
	if x < lo || x > hi || math.IsNaN(x) {
		v.fail(field, fmt.Sprintf("must be in [%g, %g]", lo, hi))
	}
}

func (v *validator) positive(field string, x float64) {
	if !(x > 0) {
		v.fail(field, "must be positive")
	}
}

func (v *validator) nonNegative(field string, x float64) {
	if !(x >= 0) {
		v.fail(field, "must not be negative")
	}
}

func (v *validator) err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalidConfig}, v.errs...)...)
}
