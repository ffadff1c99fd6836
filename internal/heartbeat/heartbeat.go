// Package heartbeat persists a small liveness record for external watchdogs.
package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrMissing = errors.New("heartbeat missing")
	ErrStale   = errors.New("heartbeat stale")
)

// DefaultMaxStale is the age after which a heartbeat is considered dead.
const DefaultMaxStale = 180 * time.Second

type Beat struct {
	PID             int        `json:"pid"`
	Timestamp       time.Time  `json:"timestamp"`
	State           string     `json:"state"`
	PendingMessages int        `json:"pending_messages"`
	SendCount       int64      `json:"send_count"`
	LastSent        *time.Time `json:"last_sent,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Alive           bool       `json:"alive"`
}

// Writer writes beats to one path. A nil Writer discards them.
type Writer struct {
	path string
}

func NewWriter(path string) *Writer {
	if path == "" {
		return nil
	}
	return &Writer{path: path}
}

func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

func (w *Writer) Write(b Beat) error {
	if w == nil {
		return nil
	}
	if b.PID == 0 {
		b.PID = os.Getpid()
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now()
	}
	b.Timestamp = b.Timestamp.UTC()
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return fmt.Errorf("create heartbeat dir: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename heartbeat: %w", err)
	}
	return nil
}

func Read(path string) (Beat, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Beat{}, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return Beat{}, fmt.Errorf("read heartbeat: %w", err)
	}
	var b Beat
	if err := json.Unmarshal(raw, &b); err != nil {
		return Beat{}, fmt.Errorf("decode heartbeat %s: %w", path, err)
	}
	return b, nil
}

// Check reads the heartbeat and returns its age. A beat older than maxStale,
// or one that reports alive=false, yields ErrStale alongside the beat.
func Check(path string, maxStale time.Duration, now time.Time) (Beat, time.Duration, error) {
	b, err := Read(path)
	if err != nil {
		return Beat{}, 0, err
	}
	if maxStale <= 0 {
		maxStale = DefaultMaxStale
	}
	age := now.Sub(b.Timestamp)
	if age > maxStale {
		return b, age, fmt.Errorf("%w: last beat %s ago", ErrStale, age.Round(time.Second))
	}
	if !b.Alive {
		return b, age, fmt.Errorf("%w: daemon reported shutdown", ErrStale)
	}
	return b, age, nil
}
