package metrics

import (
	"context"
	"fmt"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// Aggregator computes trade statistics from stored trades.
type Aggregator struct {
	trades storage.TradeStore
}

// NewAggregator creates a new trade statistics aggregator.
func NewAggregator(trades storage.TradeStore) *Aggregator {
	return &Aggregator{trades: trades}
}

// ForLink computes the statistics of every closed trade of link.
// A link without trades yields zero statistics.
func (a *Aggregator) ForLink(ctx context.Context, link domain.LinkID) (*Stats, error) {
	trades, err := a.trades.ListByLink(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("list trades for %s: %w", link, err)
	}
	return Compute(trades), nil
}
