package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtscout/internal/model"
)

func newStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := OpenMigrated(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

func msgAt(id, content string, at time.Time) model.Message {
	return model.Message{ID: id, Kind: "message", Content: content, CreatedAt: at, State: model.MessagePending}
}

func TestAppendAndListPendingOrder(t *testing.T) {
	store, ctx := newStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Inserted out of order; created_at decides, id breaks ties.
	_, err := store.Append(ctx, msgAt("c", "third", base.Add(2*time.Second)))
	require.NoError(t, err)
	_, err = store.Append(ctx, msgAt("b", "second-b", base.Add(time.Second)))
	require.NoError(t, err)
	_, err = store.Append(ctx, msgAt("a", "second-a", base.Add(time.Second)))
	require.NoError(t, err)
	_, err = store.Append(ctx, msgAt("z", "first", base))
	require.NoError(t, err)

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, m := range pending {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"z", "a", "b", "c"}, ids)
	assert.Equal(t, model.MessagePending, pending[0].State)
	assert.True(t, pending[0].CreatedAt.Equal(base))
}

func TestSubSecondOrderingSurvivesTextSort(t *testing.T) {
	store, ctx := newStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// RFC3339Nano would render .1 and .05 with different widths.
	_, err := store.Append(ctx, msgAt("late", "late", base.Add(100*time.Millisecond)))
	require.NoError(t, err)
	_, err = store.Append(ctx, msgAt("early", "early", base.Add(50*time.Millisecond)))
	require.NoError(t, err)

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "early", pending[0].ID)
}

func TestAppendDuplicateAndMeta(t *testing.T) {
	store, ctx := newStore(t)
	msg := msgAt("m1", "hello", time.Now().UTC())
	msg.Meta = map[string]string{"source": "ci"}
	_, err := store.Append(ctx, msg)
	require.NoError(t, err)

	_, err = store.Append(ctx, msg)
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Meta["source"])
	assert.Equal(t, "hello", got.Content)

	_, err = store.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkDeliveredOnlyTouchesPending(t *testing.T) {
	store, ctx := newStore(t)
	now := time.Now().UTC()
	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := store.Append(ctx, msgAt(id, id, now))
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkFailed(ctx, []string{"m3"}))
	require.NoError(t, store.MarkDelivered(ctx, []string{"m1", "m3", "unknown", "m1"}))

	m1, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, m1.State)
	require.NotNil(t, m1.DeliveredAt)

	m3, err := store.GetMessage(ctx, "m3")
	require.NoError(t, err)
	assert.Equal(t, model.MessageFailed, m3.State, "failed message must not jump to delivered")
	assert.Nil(t, m3.DeliveredAt)

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-marking is a no-op.
	require.NoError(t, store.MarkDelivered(ctx, []string{"m1"}))
	require.NoError(t, store.MarkDelivered(ctx, nil))
}

func TestMarkFailedAndRequeue(t *testing.T) {
	store, ctx := newStore(t)
	_, err := store.Append(ctx, msgAt("m1", "x", time.Now().UTC()))
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, []string{"m1"}))
	failed, err := store.ListMessages(ctx, model.MessageFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	require.NotNil(t, failed[0].FailedAt)

	require.NoError(t, store.Requeue(ctx, []string{"m1"}))
	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MessagePending, got.State)
	assert.Nil(t, got.FailedAt)
	assert.Equal(t, 1, got.Attempts)
}

func TestListMessagesLimitAndAllStates(t *testing.T) {
	store, ctx := newStore(t)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, msgAt(fmt.Sprintf("m%d", i), "x", base.Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkDelivered(ctx, []string{"m0"}))

	all, err := store.ListMessages(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	limited, err := store.ListMessages(ctx, model.MessagePending, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "m1", limited[0].ID)
}

func TestCorruptRowSurfacesErrCorruptQueue(t *testing.T) {
	store, ctx := newStore(t)
	_, err := store.DB().ExecContext(ctx, `
INSERT INTO messages(message_id, kind, content, meta_json, created_at, state, updated_at)
VALUES ('bad', 'message', 'x', '{not json', '2026-01-01T00:00:00.000000000Z', 'pending', '2026-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)

	_, err = store.ListPending(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCorruptQueue))
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	store, ctx := newStore(t)
	require.NoError(t, store.Close())

	_, err := store.Append(ctx, msgAt("m1", "x", time.Now().UTC()))
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	_, err = store.CountPending(ctx)
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}

func TestConcurrentAppendsAreAllPersisted(t *testing.T) {
	store, ctx := newStore(t)
	const writers = 8
	const each = 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := store.Append(ctx, msgAt(fmt.Sprintf("w%d-%d", w, i), "x", time.Now().UTC()))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*each, n)
}
