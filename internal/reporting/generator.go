package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/metrics"
	"mtf-feed/internal/storage"
)

// Generator produces reports from stored trades.
type Generator struct {
	trades storage.TradeStore
	now    func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator.
func NewGenerator(trades storage.TradeStore) *Generator {
	return &Generator{
		trades: trades,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate produces the report of one link.
func (g *Generator) Generate(ctx context.Context, link domain.LinkID) (*Report, error) {
	trades, err := g.trades.ListByLink(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}

	stats := metrics.Compute(trades)
	return &Report{
		GeneratedAt: g.now(),
		Link:        link,
		Stats:       stats,
		Symbols:     symbolRows(trades),
		ExitReasons: exitReasonRows(stats),
		Trades:      tradeRows(trades),
	}, nil
}

func symbolRows(trades []*domain.Trade) []SymbolRow {
	bySymbol := make(map[string][]*domain.Trade)
	for _, t := range trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	rows := make([]SymbolRow, 0, len(bySymbol))
	for symbol, group := range bySymbol {
		s := metrics.Compute(group)
		rows = append(rows, SymbolRow{
			Symbol:          symbol,
			TotalTrades:     s.TotalTrades,
			WinRate:         s.WinRate,
			MeanR:           s.MeanR,
			SumLogReturn:    s.CumulativeLogReturn,
			MaxDrawdown:     s.MaxDrawdown,
			MaxConsecLosses: s.MaxConsecutiveLosses,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
	return rows
}

func exitReasonRows(stats *metrics.Stats) []ExitReasonRow {
	rows := make([]ExitReasonRow, 0, len(stats.ExitReasons))
	for reason, count := range stats.ExitReasons {
		row := ExitReasonRow{Reason: reason, Count: count}
		if stats.TotalTrades > 0 {
			row.Share = float64(count) / float64(stats.TotalTrades)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Reason < rows[j].Reason
	})
	return rows
}

func tradeRows(trades []*domain.Trade) []TradeRow {
	sorted := make([]*domain.Trade, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].ExitTime.Equal(sorted[j].ExitTime) {
			return sorted[i].ExitTime.Before(sorted[j].ExitTime)
		}
		return sorted[i].ID < sorted[j].ID
	})

	rows := make([]TradeRow, 0, len(sorted))
	for _, t := range sorted {
		rows = append(rows, TradeRow{
			TradeID:      t.ID,
			Symbol:       t.Symbol,
			Direction:    string(t.Direction),
			EntryTime:    t.EntryTime,
			ExitTime:     t.ExitTime,
			EntryPrice:   t.EntryPrice,
			ExitPrice:    t.ExitPrice,
			ExitReason:   t.ExitReason,
			RMultiple:    t.RMultiple,
			LogReturn:    t.LogReturn,
			OutcomeClass: t.OutcomeClass,
		})
	}
	return rows
}
