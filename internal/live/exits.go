package live

import (
	"sort"
	"sync"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/strategy"
)

// ExitTracker follows the open intents of one link tick by tick and reports
// each exit once.
type ExitTracker struct {
	onExit func(*domain.Trade)

	mu        sync.Mutex
	positions map[string][]*strategy.Position // by symbol
}

// NewExitTracker creates a tracker reporting exits to onExit.
func NewExitTracker(onExit func(*domain.Trade)) *ExitTracker {
	return &ExitTracker{
		onExit:    onExit,
		positions: make(map[string][]*strategy.Position),
	}
}

// Track starts following intent.
func (t *ExitTracker) Track(intent domain.Intent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[intent.Symbol] = append(t.positions[intent.Symbol], strategy.NewPosition(intent))
}

// OnTick updates every position of the tick's symbol.
func (t *ExitTracker) OnTick(tick domain.Tick) {
	price, ok := tick.Price()
	if !ok {
		return
	}

	var exited []*domain.Trade
	t.mu.Lock()
	positions := t.positions[tick.Symbol]
	kept := positions[:0]
	for _, p := range positions {
		if trade, done := p.Update(price, tick.Timestamp); done {
			exited = append(exited, trade)
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		delete(t.positions, tick.Symbol)
	} else {
		t.positions[tick.Symbol] = kept
	}
	t.mu.Unlock()

	for _, trade := range exited {
		if t.onExit != nil {
			t.onExit(trade)
		}
	}
}

// Open returns the tracked intents ordered by creation time.
func (t *ExitTracker) Open() []domain.Intent {
	t.mu.Lock()
	var out []domain.Intent
	for _, positions := range t.positions {
		for _, p := range positions {
			out = append(out, p.Intent())
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Symbols returns the symbols with open positions, sorted.
func (t *ExitTracker) Symbols() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.positions))
	for s := range t.positions {
		out = append(out, s)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len returns the number of open positions.
func (t *ExitTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, positions := range t.positions {
		n += len(positions)
	}
	return n
}
