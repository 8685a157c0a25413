package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/nimbus/encoding"
)

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sess := New("c1", true, 0, encoding.ProtocolVersion50)
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", loaded.ClientID)

	exists, err := store.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Save(ctx, New("c2", true, 0, encoding.ProtocolVersion311)))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, store.Delete(ctx, "c1"))
	_, err = store.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Deleting a missing session is not an error
	require.NoError(t, store.Delete(ctx, "c1"))
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Save(ctx, New("c1", true, 0, encoding.ProtocolVersion50)), ErrStoreClosed)
	_, err := store.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.List(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestMemoryStoreContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryStore()
	assert.Error(t, store.Save(ctx, New("c1", true, 0, encoding.ProtocolVersion50)))
}

func TestPebbleStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewPebbleStore(PebbleStoreConfig{Path: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	sess := New("c1", false, 120, encoding.ProtocolVersion50)
	sess.AddSubscription(&Subscription{TopicFilter: "a/#", QoS: 1})
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", loaded.ClientID)
	assert.Contains(t, loaded.Subscriptions, "a/#")

	exists, err := store.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, exists)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	require.NoError(t, store.Delete(ctx, "c1"))
	_, err = store.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
