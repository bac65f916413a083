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

func TestSignalStore_InsertDuplicate(t *testing.T) {
	store := NewSignalStore()
	ctx := context.Background()

	sig := &domain.Signal{ID: "sig1", Symbol: "AAPL", Status: domain.SignalActive}
	require.NoError(t, store.Insert(ctx, sig))
	assert.True(t, errors.Is(store.Insert(ctx, sig), storage.ErrDuplicateKey))

	_, err := store.GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSignalStore_ExpireBefore(t *testing.T) {
	store := NewSignalStore()
	ctx := context.Background()
	link := domain.LinkID{UserID: 1, BrokerLinkID: 1}
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, &domain.Signal{ID: "old", Link: link, Status: domain.SignalActive, GeneratedAt: now.Add(-30 * time.Minute), ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Insert(ctx, &domain.Signal{ID: "edge", Link: link, Status: domain.SignalActive, GeneratedAt: now.Add(-15 * time.Minute), ExpiresAt: now}))
	require.NoError(t, store.Insert(ctx, &domain.Signal{ID: "fresh", Link: link, Status: domain.SignalActive, GeneratedAt: now, ExpiresAt: now.Add(15 * time.Minute)}))

	expired, err := store.ExpireBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "old", expired[0].ID)
	assert.Equal(t, "edge", expired[1].ID)
	assert.Equal(t, domain.SignalExpired, expired[0].Status)

	// Second sweep finds nothing new
	expired, err = store.ExpireBefore(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)

	active, err := store.ListActive(ctx, link)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].ID)
}
