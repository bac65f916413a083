package reporting

import (
	"context"
	"strings"
	"testing"
	"time"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage/memory"
)

var (
	reportLink = domain.LinkID{UserID: 4, BrokerLinkID: 8}
	fixedTime  = time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC)
)

func setupTestData(t *testing.T) *memory.TradeStore {
	ctx := context.Background()
	store := memory.NewTradeStore()

	exit := time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)
	trades := []*domain.Trade{
		{ID: "t3", Link: reportLink, Symbol: "MSFT", Direction: domain.DirectionShort, ExitTime: exit.Add(2 * time.Hour),
			RMultiple: 2, LogReturn: 0.02, ExitReason: domain.ExitReasonTarget, OutcomeClass: domain.OutcomeClassWin},
		{ID: "t1", Link: reportLink, Symbol: "AAPL", Direction: domain.DirectionLong, ExitTime: exit,
			RMultiple: -1, LogReturn: -0.01, ExitReason: domain.ExitReasonInitialStop, OutcomeClass: domain.OutcomeClassLoss},
		{ID: "t2", Link: reportLink, Symbol: "AAPL", Direction: domain.DirectionLong, ExitTime: exit.Add(time.Hour),
			RMultiple: 3, LogReturn: 0.03, ExitReason: domain.ExitReasonStretch, OutcomeClass: domain.OutcomeClassWin},
		{ID: "other", Link: domain.LinkID{UserID: 4, BrokerLinkID: 9}, Symbol: "AAPL", ExitTime: exit,
			RMultiple: 1, ExitReason: domain.ExitReasonTarget, OutcomeClass: domain.OutcomeClassWin},
	}
	for _, tr := range trades {
		if err := store.Insert(ctx, tr); err != nil {
			t.Fatalf("Insert trade failed: %v", err)
		}
	}
	return store
}

func TestGenerator_Generate(t *testing.T) {
	store := setupTestData(t)
	gen := NewGenerator(store).WithClock(func() time.Time { return fixedTime })

	report, err := gen.Generate(context.Background(), reportLink)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !report.GeneratedAt.Equal(fixedTime) {
		t.Errorf("GeneratedAt = %v, want %v", report.GeneratedAt, fixedTime)
	}
	if report.Stats.TotalTrades != 3 {
		t.Fatalf("TotalTrades = %d, want 3", report.Stats.TotalTrades)
	}
	if report.Stats.Wins != 2 {
		t.Errorf("Wins = %d, want 2", report.Stats.Wins)
	}

	if len(report.Symbols) != 2 {
		t.Fatalf("Symbols = %d, want 2", len(report.Symbols))
	}
	aapl := report.Symbols[0]
	if aapl.Symbol != "AAPL" || aapl.TotalTrades != 2 || aapl.WinRate != 0.5 || aapl.MeanR != 1 {
		t.Errorf("unexpected AAPL row: %+v", aapl)
	}

	if len(report.ExitReasons) != 3 {
		t.Fatalf("ExitReasons = %d, want 3", len(report.ExitReasons))
	}
	// Equal counts fall back to reason order.
	if report.ExitReasons[0].Reason != domain.ExitReasonInitialStop {
		t.Errorf("first exit reason = %s, want %s", report.ExitReasons[0].Reason, domain.ExitReasonInitialStop)
	}

	ids := make([]string, 0, len(report.Trades))
	for _, tr := range report.Trades {
		ids = append(ids, tr.TradeID)
	}
	if strings.Join(ids, ",") != "t1,t2,t3" {
		t.Errorf("trade order = %v, want t1,t2,t3", ids)
	}
}

func TestRenderMarkdown(t *testing.T) {
	store := setupTestData(t)
	report, err := NewGenerator(store).WithClock(func() time.Time { return fixedTime }).Generate(context.Background(), reportLink)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	md := RenderMarkdown(report)
	for _, want := range []string{
		"# Outcome Report: link 4/8",
		"Generated: 2025-01-04T12:00:00Z",
		"| Trades | 3 |",
		"| AAPL | 2 | 0.5000 |",
		"| STRETCH | 1 | 0.3333 |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}

	// Output is deterministic with a fixed clock.
	if md != RenderMarkdown(report) {
		t.Error("markdown output is not deterministic")
	}
}

func TestRenderMarkdown_NoTrades(t *testing.T) {
	report, err := NewGenerator(memory.NewTradeStore()).Generate(context.Background(), reportLink)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	md := RenderMarkdown(report)
	if !strings.Contains(md, "No closed trades.") {
		t.Error("expected empty symbol section")
	}
}

func TestRenderCSV(t *testing.T) {
	store := setupTestData(t)
	report, err := NewGenerator(store).Generate(context.Background(), reportLink)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(RenderCSV(report.Trades)), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want header + 3", len(lines))
	}
	if !strings.HasPrefix(lines[0], "trade_id,symbol,direction") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "t1,AAPL,LONG,") {
		t.Errorf("unexpected first row: %s", lines[1])
	}
}
