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

func TestSessionStore_PutAndGetLatest(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewSessionStore(pool)
	ctx := context.Background()
	link := domain.LinkID{UserID: 2, BrokerLinkID: 3}

	_, err := store.GetLatest(ctx, link)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.Put(ctx, &domain.Session{Link: link, ProviderCode: "WS", AccessToken: "a", UpdatedAt: time.Now()}))
	require.NoError(t, store.Put(ctx, &domain.Session{Link: link, ProviderCode: "WS", AccessToken: "b", SessionID: "s2", UpdatedAt: time.Now()}))

	got, err := store.GetLatest(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, "b", got.AccessToken)
	assert.Equal(t, "s2", got.SessionID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
