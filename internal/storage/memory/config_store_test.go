package memory

import (
	"context"
	"errors"
	"testing"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

func TestConfigStore_GlobalRoundTrip(t *testing.T) {
	store := NewConfigStore()
	ctx := context.Background()

	if _, err := store.GetGlobal(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first put, got %v", err)
	}

	cfg := domain.DefaultMTFConfig()
	cfg.MinConfluenceScore = 55
	if err := store.PutGlobal(ctx, &cfg); err != nil {
		t.Fatalf("PutGlobal failed: %v", err)
	}

	// Mutating the caller's copy must not leak into the store
	cfg.MinConfluenceScore = 99

	got, err := store.GetGlobal(ctx)
	if err != nil {
		t.Fatalf("GetGlobal failed: %v", err)
	}
	if got.MinConfluenceScore != 55 {
		t.Errorf("MinConfluenceScore = %v, want 55", got.MinConfluenceScore)
	}
}

func TestConfigStore_OverridesKeyedBySymbolAndLink(t *testing.T) {
	store := NewConfigStore()
	ctx := context.Background()

	symbolWide := 45.0
	perLink := 60.0
	link := domain.LinkID{UserID: 1, BrokerLinkID: 2}

	if err := store.PutOverride(ctx, &domain.MTFOverride{Symbol: "AAPL", MinConfluenceScore: &symbolWide}); err != nil {
		t.Fatalf("PutOverride failed: %v", err)
	}
	if err := store.PutOverride(ctx, &domain.MTFOverride{Symbol: "AAPL", Link: &link, MinConfluenceScore: &perLink}); err != nil {
		t.Fatalf("PutOverride failed: %v", err)
	}

	got, err := store.GetOverride(ctx, "AAPL", nil)
	if err != nil {
		t.Fatalf("GetOverride symbol-wide failed: %v", err)
	}
	if *got.MinConfluenceScore != 45 {
		t.Errorf("symbol-wide score = %v, want 45", *got.MinConfluenceScore)
	}

	got, err = store.GetOverride(ctx, "AAPL", &link)
	if err != nil {
		t.Fatalf("GetOverride per-link failed: %v", err)
	}
	if *got.MinConfluenceScore != 60 {
		t.Errorf("per-link score = %v, want 60", *got.MinConfluenceScore)
	}

	list, err := store.ListOverrides(ctx)
	if err != nil {
		t.Fatalf("ListOverrides failed: %v", err)
	}
	if len(list) != 2 || list[0].Link != nil {
		t.Errorf("expected symbol-wide override first, got %+v", list)
	}

	if err := store.DeleteOverride(ctx, "AAPL", &link); err != nil {
		t.Fatalf("DeleteOverride failed: %v", err)
	}
	if err := store.DeleteOverride(ctx, "AAPL", &link); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := store.GetOverride(ctx, "AAPL", nil); err != nil {
		t.Errorf("symbol-wide override should survive per-link delete: %v", err)
	}
}
