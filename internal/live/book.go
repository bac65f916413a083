package live

import (
	"math"
	"sync"

	"mtf-feed/internal/confluence"
	"mtf-feed/internal/metrics"
)

// RiskBook tracks the open log risk and the log-equity curve of one link.
// Equity is expressed in log space: closed trades add their log return,
// and the drawdown is measured against the running peak.
type RiskBook struct {
	mu          sync.Mutex
	open        map[string]float64 // intent id -> log risk
	openLogRisk float64
	cumulative  float64
	peak        float64
}

// NewRiskBook creates an empty book at the equity peak.
func NewRiskBook() *RiskBook {
	return &RiskBook{open: make(map[string]float64)}
}

// Restore rebuilds the equity curve from the statistics of stored trades.
func (b *RiskBook) Restore(stats *metrics.Stats) {
	if stats == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cumulative = stats.CumulativeLogReturn
	b.peak = b.cumulative
	if dd := stats.CurrentDrawdown; dd > 0 && dd < 1 {
		b.peak = b.cumulative - math.Log(1-dd)
	}
}

// State returns the book as seen by the risk gate.
func (b *RiskBook) State() confluence.BookState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return confluence.BookState{
		OpenLogRisk: b.openLogRisk,
		Drawdown:    1 - math.Exp(-(b.peak - b.cumulative)),
	}
}

// Open books the log risk of a new intent. Reopening an id is a no-op.
func (b *RiskBook) Open(intentID string, logRisk float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[intentID]; ok {
		return
	}
	b.open[intentID] = logRisk
	b.openLogRisk += logRisk
}

// Close releases the risk of an intent and books its realized log return.
// Returns false when the intent was not open.
func (b *RiskBook) Close(intentID string, logReturn float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	risk, ok := b.open[intentID]
	if !ok {
		return false
	}
	delete(b.open, intentID)
	b.openLogRisk -= risk
	if len(b.open) == 0 {
		b.openLogRisk = 0 // drop float residue
	}

	b.cumulative += logReturn
	if b.cumulative > b.peak {
		b.peak = b.cumulative
	}
	return true
}

// OpenCount returns the number of open intents.
func (b *RiskBook) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}
