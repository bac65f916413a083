package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

func TestTradeStore_InsertAndGet(t *testing.T) {
	store := NewTradeStore()
	ctx := context.Background()

	trade := &domain.Trade{
		ID:           "trade1",
		IntentID:     "intent1",
		Symbol:       "AAPL",
		ExitReason:   domain.ExitReasonTarget,
		RMultiple:    2,
		OutcomeClass: domain.OutcomeClassWin,
	}
	require.NoError(t, store.Insert(ctx, trade))

	got, err := store.GetByID(ctx, "trade1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.RMultiple)

	// stored value is a copy
	trade.RMultiple = 5
	got, err = store.GetByID(ctx, "trade1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.RMultiple)
}

func TestTradeStore_DuplicateKey(t *testing.T) {
	store := NewTradeStore()
	ctx := context.Background()

	trade := &domain.Trade{ID: "trade1"}
	require.NoError(t, store.Insert(ctx, trade))
	assert.True(t, errors.Is(store.Insert(ctx, trade), storage.ErrDuplicateKey))
	assert.True(t, errors.Is(store.Insert(ctx, &domain.Trade{}), storage.ErrInvalidInput))

	_, err := store.GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestTradeStore_ListByLink(t *testing.T) {
	store := NewTradeStore()
	ctx := context.Background()
	link := domain.LinkID{UserID: 1, BrokerLinkID: 2}
	other := domain.LinkID{UserID: 1, BrokerLinkID: 3}
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, &domain.Trade{ID: "b", Link: link, ExitTime: base}))
	require.NoError(t, store.Insert(ctx, &domain.Trade{ID: "a", Link: link, ExitTime: base}))
	require.NoError(t, store.Insert(ctx, &domain.Trade{ID: "c", Link: link, ExitTime: base.Add(-time.Minute)}))
	require.NoError(t, store.Insert(ctx, &domain.Trade{ID: "x", Link: other, ExitTime: base}))

	trades, err := store.ListByLink(ctx, link)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, "c", trades[0].ID)
	assert.Equal(t, "a", trades[1].ID)
	assert.Equal(t, "b", trades[2].ID)
}
