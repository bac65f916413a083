package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

func TestSignalStore_Lifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewSignalStore(pool)
	ctx := context.Background()
	link := domain.LinkID{UserID: 1, BrokerLinkID: 2}
	now := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)

	sig := &domain.Signal{
		ID:        "sig-a",
		Link:      link,
		Symbol:    "AAPL",
		Direction: domain.DirectionLong,
		Score:     54,
		Tier:      domain.TierModerate,
		Entry:     100, Target: 104, Stretch: 106, Stop: 98,
		Trends: []domain.TimeframeTrend{
			{Timeframe: domain.TimeframeHTF, Label: domain.TrendBullish, Strength: 40},
		},
		GeneratedAt: now.Add(-20 * time.Minute),
		ExpiresAt:   now.Add(-5 * time.Minute),
		Status:      domain.SignalActive,
	}
	require.NoError(t, store.Insert(ctx, sig))
	assert.ErrorIs(t, store.Insert(ctx, sig), storage.ErrDuplicateKey)

	got, err := store.GetByID(ctx, "sig-a")
	require.NoError(t, err)
	assert.Equal(t, domain.TierModerate, got.Tier)
	require.Len(t, got.Trends, 1)
	assert.Equal(t, domain.TrendBullish, got.Trends[0].Label)

	active, err := store.ListActive(ctx, link)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	expired, err := store.ExpireBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.SignalExpired, expired[0].Status)

	active, err = store.ListActive(ctx, link)
	require.NoError(t, err)
	assert.Empty(t, active)
}
