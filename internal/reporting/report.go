// Package reporting renders outcome reports of closed trades.
package reporting

import (
	"time"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/metrics"
)

// Report is the outcome report of one brokerage link.
type Report struct {
	// Metadata
	GeneratedAt time.Time
	Link        domain.LinkID

	// Totals over every closed trade of the link
	Stats *metrics.Stats

	// Per-symbol breakdown, sorted by symbol
	Symbols []SymbolRow

	// Exit reason histogram, sorted by count DESC, reason ASC
	ExitReasons []ExitReasonRow

	// Trades ordered by exit time ASC, id ASC
	Trades []TradeRow
}

// SymbolRow summarizes the trades of one symbol.
type SymbolRow struct {
	Symbol          string
	TotalTrades     int
	WinRate         float64
	MeanR           float64
	SumLogReturn    float64
	MaxDrawdown     float64
	MaxConsecLosses int
}

// ExitReasonRow is one entry of the exit reason histogram.
type ExitReasonRow struct {
	Reason string
	Count  int
	Share  float64 // Count / total trades
}

// TradeRow is one closed trade.
type TradeRow struct {
	TradeID      string
	Symbol       string
	Direction    string
	EntryTime    time.Time
	ExitTime     time.Time
	EntryPrice   float64
	ExitPrice    float64
	ExitReason   string
	RMultiple    float64
	LogReturn    float64
	OutcomeClass string
}
