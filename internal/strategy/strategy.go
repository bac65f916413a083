// Package strategy tracks open intents and decides their exits.
package strategy

import (
	"time"

	"mtf-feed/internal/domain"
)

// Position is the exit state of one open intent. Not safe for concurrent use.
type Position struct {
	intent    domain.Intent
	trail     TrailingStop
	peak      float64
	targetHit bool
	armed     bool
}

// NewPosition opens a position for intent.
func NewPosition(intent domain.Intent) *Position {
	return &Position{
		intent: intent,
		trail: TrailingStop{
			ActivationPct: intent.TrailingActivationPct,
			DistancePct:   intent.TrailingDistancePct,
		},
		peak: intent.Entry,
	}
}

// Intent returns the tracked intent.
func (p *Position) Intent() domain.Intent { return p.intent }

// Peak returns the most favorable price seen.
func (p *Position) Peak() float64 { return p.peak }

// Update applies a price observed at ts and returns the closed trade when an
// exit triggers. Exit checks run in order: active stop, stretch, target.
// Once the target is reached with trailing enabled, the trailing stop
// manages the exit until stretch.
func (p *Position) Update(price float64, at time.Time) (*domain.Trade, bool) {
	if price <= 0 {
		return nil, false
	}
	dir := p.intent.Direction

	if favorable(dir, price, p.peak) {
		p.peak = price
	}
	if !p.targetHit && reached(dir, price, p.intent.Target) {
		p.targetHit = true
	}
	if p.trail.Enabled() && !p.armed {
		p.armed = p.targetHit || p.trail.Activated(p.intent.Entry, p.peak, dir)
	}

	stop, reason := p.ActiveStop()
	if !favorable(dir, price, stop) {
		return buildTrade(p.intent, price, reason, at, p.peak), true
	}
	if reached(dir, price, p.intent.Stretch) {
		return buildTrade(p.intent, price, domain.ExitReasonStretch, at, p.peak), true
	}
	if p.targetHit && !p.trail.Enabled() {
		return buildTrade(p.intent, price, domain.ExitReasonTarget, at, p.peak), true
	}
	return nil, false
}

// ActiveStop returns the stop level in force and the exit reason it would produce.
func (p *Position) ActiveStop() (float64, string) {
	if p.armed {
		level := p.trail.Level(p.peak, p.intent.Direction)
		if favorable(p.intent.Direction, level, p.intent.Stop) {
			return level, domain.ExitReasonTrailingStop
		}
	}
	return p.intent.Stop, domain.ExitReasonInitialStop
}

// favorable reports whether a is strictly better than b for dir.
func favorable(dir domain.Direction, a, b float64) bool {
	if dir == domain.DirectionShort {
		return a < b
	}
	return a > b
}

// reached reports whether price is at or beyond level for dir.
func reached(dir domain.Direction, price, level float64) bool {
	return price == level || favorable(dir, price, level)
}
