package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperline/hyperline/internal/observability/log"
)

func testMessageStores(t *testing.T) map[string]MessageStore {
	t.Helper()

	badgerStore, err := NewBadgerMessageStore(t.TempDir(), log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	return map[string]MessageStore{
		"memory": NewMemoryMessageStore(),
		"badger": badgerStore,
	}
}

func TestOfflineQueueDrainsOnce(t *testing.T) {
	for name, store := range testMessageStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Save(ctx, StoredMessage{Sender: 1, Receiver: 2, Content: "a", Timestamp: 10}))
			require.NoError(t, store.Save(ctx, StoredMessage{Sender: 1, Receiver: 2, Content: "b", Timestamp: 11}))
			require.NoError(t, store.Save(ctx, StoredMessage{Sender: 1, Receiver: 9, Content: "other", Timestamp: 12}))

			msgs, err := store.FindOffline(ctx, 2)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, "a", msgs[0].Content)
			require.Equal(t, "b", msgs[1].Content)

			// Drained: a second lookup finds nothing.
			msgs, err = store.FindOffline(ctx, 2)
			require.NoError(t, err)
			require.Empty(t, msgs)
		})
	}
}

func TestDeliveredMessagesSkipOfflineQueue(t *testing.T) {
	for name, store := range testMessageStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Save(ctx, StoredMessage{Sender: 1, Receiver: 2, Content: "seen", Timestamp: 10, Delivered: true}))

			msgs, err := store.FindOffline(ctx, 2)
			require.NoError(t, err)
			require.Empty(t, msgs)

			history, err := store.FindHistory(ctx, 2, 0, 10)
			require.NoError(t, err)
			require.Len(t, history, 1)
			require.Equal(t, "seen", history[0].Content)
		})
	}
}

func TestHistoryPaging(t *testing.T) {
	for name, store := range testMessageStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			contents := []string{"m0", "m1", "m2", "m3", "m4"}
			for i, c := range contents {
				require.NoError(t, store.Save(ctx, StoredMessage{
					Sender: 1, Receiver: 5, Content: c, Timestamp: int64(i), Delivered: true,
				}))
			}

			page, err := store.FindHistory(ctx, 5, 1, 2)
			require.NoError(t, err)
			require.Len(t, page, 2)
			require.Equal(t, "m1", page[0].Content)
			require.Equal(t, "m2", page[1].Content)

			// Offset past the end yields nothing.
			page, err = store.FindHistory(ctx, 5, 10, 2)
			require.NoError(t, err)
			require.Empty(t, page)

			page, err = store.FindHistory(ctx, 5, 0, 0)
			require.NoError(t, err)
			require.Empty(t, page)
		})
	}
}

func TestPairStoreSetGet(t *testing.T) {
	store := NewMemoryPairStore()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "pair:1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "pair:1", "2"))
	require.NoError(t, store.Set(ctx, "pair:1", "2")) // idempotent

	val, ok, err := store.Get(ctx, "pair:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", val)
}
