package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/agtscout/internal/db"
	"github.com/g960059/agtscout/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.OpenMigrated(ctx, filepath.Join(t.TempDir(), "agtscout-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

// SeedMessages appends one pending message per content, spaced a millisecond
// apart so that store order equals argument order. It returns the ids.
func SeedMessages(t *testing.T, store interface {
	Append(ctx context.Context, msg model.Message) (string, error)
}, contents ...string) []string {
	t.Helper()
	base := time.Now().UTC().Add(-time.Minute)
	ids := make([]string, 0, len(contents))
	for i, content := range contents {
		msg := model.NewMessage("message", content, nil, base.Add(time.Duration(i)*time.Millisecond))
		id, err := store.Append(context.Background(), msg)
		if err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}
