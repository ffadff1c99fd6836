// Package queue implements the message queue as a single JSON document on
// disk. Every mutation rewrites the whole document atomically.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/g960059/agtscout/internal/model"
)

const documentVersion = 1

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = model.ErrMessageNotFound
)

type document struct {
	Version  int             `json:"version"`
	Messages []model.Message `json:"messages"`
}

// FileStore guards the document with an in-process mutex and an advisory
// flock on <path>.lock so that separate processes can append safely.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func Open(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: queue path is required", model.ErrStoreUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create queue dir: %v", model.ErrStoreUnavailable, err)
	}
	return &FileStore{path: path, now: time.Now}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) Append(ctx context.Context, msg model.Message) (string, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return "", fmt.Errorf("message id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	msg.Kind = model.NormalizeKind(msg.Kind)
	msg.State = model.MessagePending
	msg.DeliveredAt = nil
	msg.FailedAt = nil

	err := s.mutate(ctx, func(doc *document) (bool, error) {
		for _, existing := range doc.Messages {
			if existing.ID == msg.ID {
				return false, ErrDuplicate
			}
		}
		doc.Messages = append(doc.Messages, msg)
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (s *FileStore) ListPending(ctx context.Context) ([]model.Message, error) {
	return s.ListMessages(ctx, model.MessagePending, 0)
}

func (s *FileStore) ListMessages(ctx context.Context, state model.MessageState, limit int) ([]model.Message, error) {
	doc, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(doc.Messages))
	for _, msg := range doc.Messages {
		if state != "" && msg.State != state {
			continue
		}
		out = append(out, msg)
	}
	sortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) GetMessage(ctx context.Context, id string) (model.Message, error) {
	doc, err := s.snapshot(ctx)
	if err != nil {
		return model.Message{}, err
	}
	id = strings.TrimSpace(id)
	for _, msg := range doc.Messages {
		if msg.ID == id {
			return msg, nil
		}
	}
	return model.Message{}, ErrNotFound
}

func (s *FileStore) CountPending(ctx context.Context) (int, error) {
	doc, err := s.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, msg := range doc.Messages {
		if msg.State == model.MessagePending {
			n++
		}
	}
	return n, nil
}

func (s *FileStore) MarkDelivered(ctx context.Context, ids []string) error {
	return s.transition(ctx, ids, model.MessagePending, func(msg *model.Message, now time.Time) {
		msg.State = model.MessageDelivered
		msg.DeliveredAt = &now
	})
}

func (s *FileStore) MarkFailed(ctx context.Context, ids []string) error {
	return s.transition(ctx, ids, model.MessagePending, func(msg *model.Message, now time.Time) {
		msg.State = model.MessageFailed
		msg.FailedAt = &now
		msg.Attempts++
	})
}

func (s *FileStore) Requeue(ctx context.Context, ids []string) error {
	return s.transition(ctx, ids, model.MessageFailed, func(msg *model.Message, _ time.Time) {
		msg.State = model.MessagePending
		msg.FailedAt = nil
	})
}

func (s *FileStore) transition(ctx context.Context, ids []string, from model.MessageState, apply func(msg *model.Message, now time.Time)) error {
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			wanted[id] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return nil
	}
	return s.mutate(ctx, func(doc *document) (bool, error) {
		now := s.now().UTC()
		changed := false
		for i := range doc.Messages {
			msg := &doc.Messages[i]
			if _, ok := wanted[msg.ID]; !ok || msg.State != from {
				continue
			}
			apply(msg, now)
			changed = true
		}
		return changed, nil
	})
}

func (s *FileStore) snapshot(ctx context.Context) (document, error) {
	if err := ctx.Err(); err != nil {
		return document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lock(syscall.LOCK_SH)
	if err != nil {
		return document{}, err
	}
	defer unlock()
	return s.read()
}

// mutate runs fn under both locks. fn reports whether the document changed;
// unchanged documents are not rewritten.
func (s *FileStore) mutate(ctx context.Context, fn func(doc *document) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	changed, err := fn(&doc)
	if err != nil || !changed {
		return err
	}
	return s.write(doc)
}

func (s *FileStore) lock(how int) (func(), error) {
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open queue lock: %v", model.ErrStoreUnavailable, err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: lock queue: %v", model.ErrStoreUnavailable, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (s *FileStore) read() (document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return document{Version: documentVersion}, nil
		}
		return document{}, fmt.Errorf("%w: read queue: %v", model.ErrStoreUnavailable, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return document{Version: documentVersion}, nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("%w: decode %s: %v", model.ErrCorruptQueue, s.path, err)
	}
	if doc.Version > documentVersion {
		return document{}, fmt.Errorf("%w: %s has unsupported version %d", model.ErrCorruptQueue, s.path, doc.Version)
	}
	for _, msg := range doc.Messages {
		if strings.TrimSpace(msg.ID) == "" || !msg.State.Valid() {
			return document{}, fmt.Errorf("%w: %s has invalid message %q (state %q)", model.ErrCorruptQueue, s.path, msg.ID, msg.State)
		}
	}
	doc.Version = documentVersion
	return doc, nil
}

func (s *FileStore) write(doc document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode queue: %v", model.ErrStoreUnavailable, err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", model.ErrStoreUnavailable, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		cleanup()
		return fmt.Errorf("%w: write temp: %v", model.ErrStoreUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: sync temp: %v", model.ErrStoreUnavailable, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("%w: chmod temp: %v", model.ErrStoreUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp: %v", model.ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename queue: %v", model.ErrStoreUnavailable, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func sortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
