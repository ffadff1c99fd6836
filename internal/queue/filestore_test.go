package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtscout/internal/model"
)

func newFileStore(t *testing.T) (*FileStore, context.Context) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "queue.json"))
	require.NoError(t, err)
	return store, context.Background()
}

func pending(id string, at time.Time) model.Message {
	return model.Message{ID: id, Kind: "message", Content: "content " + id, CreatedAt: at}
}

func TestMissingFileIsEmptyQueue(t *testing.T) {
	store, ctx := newFileStore(t)
	msgs, err := store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err), "reads must not create the queue file")
}

func TestAppendListAndOrder(t *testing.T) {
	store, ctx := newFileStore(t)
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for _, m := range []model.Message{pending("b", base), pending("a", base), pending("c", base.Add(-time.Second))} {
		_, err := store.Append(ctx, m)
		require.NoError(t, err)
	}

	msgs, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "c", msgs[0].ID)
	assert.Equal(t, "a", msgs[1].ID)
	assert.Equal(t, "b", msgs[2].ID)

	_, err = store.Append(ctx, pending("a", base))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestTransitionsAreIdempotent(t *testing.T) {
	store, ctx := newFileStore(t)
	now := time.Now().UTC()
	for _, id := range []string{"m1", "m2"} {
		_, err := store.Append(ctx, pending(id, now))
		require.NoError(t, err)
	}

	require.NoError(t, store.MarkDelivered(ctx, []string{"m1", "ghost"}))
	require.NoError(t, store.MarkDelivered(ctx, []string{"m1"}))
	require.NoError(t, store.MarkFailed(ctx, []string{"m1", "m2"}))

	m1, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, m1.State)
	assert.Nil(t, m1.FailedAt)

	m2, err := store.GetMessage(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, model.MessageFailed, m2.State)
	assert.Equal(t, 1, m2.Attempts)

	require.NoError(t, store.Requeue(ctx, []string{"m1", "m2"}))
	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetMessage(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCorruptFileIsNeverOverwritten(t *testing.T) {
	store, ctx := newFileStore(t)
	garbage := []byte("{\"version\":1,\"messages\":[{\"id\":")
	require.NoError(t, os.WriteFile(store.Path(), garbage, 0o600))

	_, err := store.ListPending(ctx)
	assert.ErrorIs(t, err, model.ErrCorruptQueue)

	_, err = store.Append(ctx, pending("m1", time.Now().UTC()))
	assert.ErrorIs(t, err, model.ErrCorruptQueue)

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, garbage, raw)
}

func TestUnknownStateIsCorrupt(t *testing.T) {
	store, ctx := newFileStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"version":1,"messages":[{"id":"x","state":"sent"}]}`), 0o600))
	_, err := store.CountPending(ctx)
	assert.ErrorIs(t, err, model.ErrCorruptQueue)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	store, ctx := newFileStore(t)
	_, err := store.Append(ctx, pending("m1", time.Now().UTC()))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"queue.json", "queue.json.lock"}, names)
}

func TestConcurrentAppendsFromSeparateHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	ctx := context.Background()
	const writers = 6
	const each = 15

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		// Separate FileStore values share only the flock, like separate processes.
		store, err := Open(path)
		require.NoError(t, err)
		wg.Add(1)
		go func(w int, store *FileStore) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := store.Append(ctx, pending(fmt.Sprintf("w%d-%02d", w, i), time.Now().UTC()))
				assert.NoError(t, err)
			}
		}(w, store)
	}
	wg.Wait()

	store, err := Open(path)
	require.NoError(t, err)
	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*each, n)
}
