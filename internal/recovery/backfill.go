package recovery

import (
	"context"
	"fmt"
	"time"

	"mtf-feed/internal/domain"
)

// TriggerBackfill marks reports of operator range backfills.
const TriggerBackfill Trigger = "BACKFILL"

// BackfillRange fetches every timeframe of symbols for [from, to) and stores
// the candles that ended before now. The live pipeline and the cached adapter
// are left as they are. An empty symbols list means the link's watchlist.
func (o *Orchestrator) BackfillRange(ctx context.Context, link domain.LinkID, providerCode string, symbols []string, from, to time.Time) (*Report, error) {
	lock := o.linkLock(link)
	lock.Lock()
	defer lock.Unlock()

	start := o.now().UTC()
	report := &Report{
		UserID:       link.UserID,
		BrokerLinkID: link.BrokerLinkID,
		Trigger:      TriggerBackfill,
		StartedAt:    start,
		Symbols:      []SymbolResult{},
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("empty range [%s, %s)", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if to.After(start) {
		to = start
	}

	adapter, err := o.registry.GetOrCreate(ctx, link, providerCode)
	if err != nil {
		report.Error = err.Error()
		report.FinishedAt = o.now().UTC()
		return report, fmt.Errorf("open session: %w", err)
	}

	if len(symbols) == 0 {
		symbols, err = o.watchlists.EnabledSymbols(ctx, link)
		if err != nil {
			report.Error = err.Error()
			report.FinishedAt = o.now().UTC()
			return report, fmt.Errorf("load watchlist: %w", err)
		}
	}
	symbols = distinct(symbols)

	results := make([]SymbolResult, len(symbols))
	o.forEach(symbols, func(i int, symbol string) {
		res := SymbolResult{Symbol: symbol, Success: true}
		cfg := o.config.Resolve(symbol, &link)
		for _, tf := range domain.AllTimeframes {
			width := cfg.Timeframe(tf).WidthMinutes
			lo, hi := domain.BucketStart(from, width), domain.BucketStart(to, width)
			if !lo.Before(hi) {
				continue
			}
			n, err := o.fetchAndStore(ctx, adapter, symbol, width, lo, hi, start)
			res.CandlesBackfilled += n
			if err != nil {
				res.Success = false
				res.Message = fmt.Sprintf("%s: %v", tf, err)
				break
			}
		}
		results[i] = res
	})

	report.Symbols = results
	report.FinishedAt = o.now().UTC()
	o.logger.Info().
		Str("link", link.String()).
		Int("symbols", len(symbols)).
		Int("backfilled", report.Backfilled()).
		Strs("failed", report.Failed()).
		Msg("range backfill finished")
	return report, nil
}
