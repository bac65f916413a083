package strategy

import "mtf-feed/internal/domain"

// TrailingStop follows the most favorable price at a fixed distance once the
// move from entry reaches the activation threshold.
type TrailingStop struct {
	ActivationPct float64 // favorable move from entry, percent
	DistancePct   float64 // distance behind the peak, percent
}

// Enabled reports whether trailing applies at all.
func (t TrailingStop) Enabled() bool {
	return t.DistancePct > 0
}

// Activated reports whether the move from entry to peak reaches the activation threshold.
func (t TrailingStop) Activated(entry, peak float64, dir domain.Direction) bool {
	if entry <= 0 {
		return false
	}
	move := (peak - entry) / entry * 100
	if dir == domain.DirectionShort {
		move = -move
	}
	return move >= t.ActivationPct
}

// Level returns the stop level trailing peak.
func (t TrailingStop) Level(peak float64, dir domain.Direction) float64 {
	if dir == domain.DirectionShort {
		return peak * (1 + t.DistancePct/100)
	}
	return peak * (1 - t.DistancePct/100)
}
