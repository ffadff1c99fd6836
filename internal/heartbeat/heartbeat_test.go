package heartbeat

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "heartbeat.json")
	w := NewWriter(path)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sent := now.Add(-time.Minute)
	if err := w.Write(Beat{Timestamp: now, State: "idle", PendingMessages: 2, SendCount: 7, LastSent: &sent, Alive: true}); err != nil {
		t.Fatalf("write: %v", err)
	}

	b, age, err := Check(path, 0, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if age != 30*time.Second || b.PendingMessages != 2 || b.SendCount != 7 || b.PID == 0 {
		t.Fatalf("unexpected beat %+v age=%s", b, age)
	}

	if _, _, err := Check(path, time.Minute, now.Add(2*time.Minute)); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestCheckMissingAndShutdown(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := Check(filepath.Join(dir, "nope.json"), 0, time.Now()); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}

	path := filepath.Join(dir, "hb.json")
	now := time.Now().UTC()
	if err := NewWriter(path).Write(Beat{Timestamp: now, State: "stopped", Alive: false}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := Check(path, 0, now); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale for stopped daemon, got %v", err)
	}
}

func TestNilWriterDiscards(t *testing.T) {
	var w *Writer = NewWriter("")
	if err := w.Write(Beat{}); err != nil {
		t.Fatalf("nil writer: %v", err)
	}
}
