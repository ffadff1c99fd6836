package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtscout/internal/clipboard"
	"github.com/g960059/agtscout/internal/config"
	"github.com/g960059/agtscout/internal/db"
	"github.com/g960059/agtscout/internal/model"
	"github.com/g960059/agtscout/internal/queue"
	"github.com/g960059/agtscout/internal/testutil"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.SettleDelay = 0
	cfg.Engine.PasteSettle = 0
	cfg.Engine.ReadyPollInterval = 2 * time.Millisecond
	cfg.Engine.ReadyTimeout = 20 * time.Millisecond
	cfg.Engine.FallbackInterval = time.Hour
	cfg.Engine.HeartbeatInterval = 0
	return cfg
}

func newService(t *testing.T) (*Service, *testutil.FakeSurface, Store) {
	t.Helper()
	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	fs := testutil.NewFakeSurface()
	svc := New(Options{
		Config:    testConfig(),
		Store:     store,
		Surface:   fs,
		Clipboard: clipboard.NewMemory("", false),
	})
	t.Cleanup(func() { _ = svc.Close() })
	return svc, fs, store
}

func TestOpenStorePicksBackendByExtension(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(context.Background(), filepath.Join(dir, "q.json"))
	require.NoError(t, err)
	_, isFile := s.(*queue.FileStore)
	assert.True(t, isFile)

	s, err = OpenStore(context.Background(), filepath.Join(dir, "q.db"))
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	_, isDB := s.(*db.Store)
	assert.True(t, isDB)
}

func TestStartIsIdempotentAndStopBlocks(t *testing.T) {
	svc, _, _ := newService(t)
	svc.Start()
	first := svc.Done()
	svc.Start()
	assert.Equal(t, first, svc.Done(), "second Start must not spawn another worker")

	require.Eventually(t, func() bool {
		st, err := svc.Status(context.Background())
		return err == nil && st.Running
	}, time.Second, 5*time.Millisecond)

	svc.Stop()
	select {
	case <-first:
	default:
		t.Fatal("Stop returned before the worker exited")
	}
	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.NoError(t, svc.Err())
}

func TestEnqueueWakesWorker(t *testing.T) {
	svc, fs, _ := newService(t)
	svc.Start()

	msg, err := svc.Enqueue(context.Background(), "Note", "hello", map[string]string{"from": "ci"})
	require.NoError(t, err)
	assert.Equal(t, "note", msg.Kind)

	require.Eventually(t, func() bool { return len(fs.SentTexts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got, err := svc.Message(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, got.State)
	assert.Equal(t, "ci", got.Meta["from"])
}

func TestStatusReportsPendingCount(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Enqueue(context.Background(), "", "one", nil)
	require.NoError(t, err)
	_, err = svc.Enqueue(context.Background(), "", "two", nil)
	require.NoError(t, err)

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.PendingCount)
	assert.Equal(t, model.PhaseStopped, st.Phase)
}

func TestSendDeliversImmediately(t *testing.T) {
	svc, fs, _ := newService(t)
	msg, err := svc.Send(context.Background(), "right now")
	require.NoError(t, err)
	assert.Equal(t, AdhocKind, msg.Kind)
	assert.Equal(t, []string{"right now"}, fs.SentTexts())

	got, err := svc.Message(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, got.State)
}

func TestSendFailureMarksFailedAndRequeueRestores(t *testing.T) {
	svc, fs, _ := newService(t)
	fs.AcquireErr = model.ErrTargetNotFound

	msg, err := svc.Send(context.Background(), "nobody home")
	require.ErrorIs(t, err, model.ErrTargetNotFound)
	require.NotEmpty(t, msg.ID)

	failed, err := svc.List(context.Background(), model.MessageFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	fs.Set(func(f *testutil.FakeSurface) { f.AcquireErr = nil })
	svc.Start()
	require.NoError(t, svc.Requeue(context.Background(), []string{msg.ID}))
	require.Eventually(t, func() bool { return len(fs.SentTexts()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWindowAndTestInject(t *testing.T) {
	svc, fs, _ := newService(t)
	report := svc.Window(context.Background())
	assert.True(t, report.Found)
	assert.True(t, report.Readiness.Ready())

	h, err := svc.TestInject(context.Background(), "probe")
	require.NoError(t, err)
	assert.Equal(t, "%1", h.PaneID)
	assert.Equal(t, []string{"probe"}, fs.Injected)
	assert.Empty(t, fs.SentTexts())

	fs.Set(func(f *testutil.FakeSurface) { f.AcquireErr = model.ErrTargetNotFound })
	report = svc.Window(context.Background())
	assert.False(t, report.Found)
	assert.Contains(t, report.Error, "target not found")
}

func TestListRejectsUnknownState(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.List(context.Background(), "sent", 0)
	assert.Error(t, err)
}

func TestCorruptQueueSurfacesThroughErr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	store, err := OpenStore(context.Background(), path)
	require.NoError(t, err)
	svc := New(Options{Config: testConfig(), Store: store, Surface: testutil.NewFakeSurface()})
	defer svc.Close() //nolint:errcheck

	svc.Start()
	select {
	case <-svc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker should exit on a corrupt queue")
	}
	assert.True(t, errors.Is(svc.Err(), model.ErrCorruptQueue))
}
