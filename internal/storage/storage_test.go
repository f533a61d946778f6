package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vishaldhakal/nisimatsuya-client/internal/pubsub"
)

// localStores are the backends that need no external process; the shared
// contract is asserted across all of them.
func localStores(t *testing.T) map[string]KeyValueStore {
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	return map[string]KeyValueStore{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, kv := range localStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, kv.Set(ctx, "cart_items", []byte(`[{"productId":"7"}]`)))

			got, err := kv.Get(ctx, "cart_items")
			require.NoError(t, err)
			assert.Equal(t, []byte(`[{"productId":"7"}]`), got)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, kv := range localStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_DeleteThenGet(t *testing.T) {
	for name, kv := range localStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, kv.Set(ctx, "session", []byte("blob")))
			require.NoError(t, kv.Delete(ctx, "session"))

			_, err := kv.Get(ctx, "session")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	for name, kv := range localStores(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, kv.Delete(context.Background(), "never-written"))
		})
	}
}

func TestStore_OverwriteKeepsLatest(t *testing.T) {
	for name, kv := range localStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, kv.Set(ctx, "k", []byte("old")))
			require.NoError(t, kv.Set(ctx, "k", []byte("new")))

			got, err := kv.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("new"), got)
		})
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "device_id", []byte("device_abc_1")))

	second, err := NewFileStore(dir)
	require.NoError(t, err)

	got, err := second.Get(ctx, "device_id")
	require.NoError(t, err)
	assert.Equal(t, []byte("device_abc_1"), got)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	kv := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("value")))

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}

func TestNotifyingStore_PublishesOnWrite(t *testing.T) {
	bus := pubsub.NewBus()
	kv := WithNotify(NewMemoryStore(), bus)
	ctx := context.Background()

	ch, cancel := bus.Subscribe(TopicChange)
	defer cancel()

	require.NoError(t, kv.Set(ctx, "cart_items", []byte("[]")))
	ev := <-ch
	assert.Equal(t, "cart_items", ev.Key)

	require.NoError(t, kv.Delete(ctx, "cart_items"))
	ev = <-ch
	assert.Equal(t, "cart_items", ev.Key)
}

func TestNotifyingStore_NoEventOnFailedWrite(t *testing.T) {
	bus := pubsub.NewBus()
	kv := WithNotify(failingStore{}, bus)

	ch, cancel := bus.Subscribe(TopicChange)
	defer cancel()

	err := kv.Set(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.Empty(t, ch)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }
func (failingStore) Set(context.Context, string, []byte) error {
	return assert.AnError
}
func (failingStore) Delete(context.Context, string) error { return assert.AnError }
