package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/agtscout/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = model.ErrMessageNotFound
)

// tsLayout is fixed width so that text ordering in SQLite equals time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
	// mu serialises writers; reads go straight to the pool.
	mu sync.Mutex
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create db dir: %v", model.ErrStoreUnavailable, err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", model.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: ping sqlite: %v", model.ErrStoreUnavailable, err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens the store and applies pending migrations.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Append(ctx context.Context, msg model.Message) (string, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return "", fmt.Errorf("message id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := marshalMeta(msg.Meta)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO messages(message_id, kind, content, meta_json, created_at, state, attempts, updated_at)
VALUES (?, ?, ?, ?, ?, 'pending', 0, ?)
`, msg.ID, model.NormalizeKind(msg.Kind), msg.Content, metaJSON, ts(msg.CreatedAt), ts(time.Now().UTC()))
	if err != nil {
		if isUniqueErr(err) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("%w: insert message: %v", model.ErrStoreUnavailable, err)
	}
	return msg.ID, nil
}

func (s *Store) ListPending(ctx context.Context) ([]model.Message, error) {
	return s.ListMessages(ctx, model.MessagePending, 0)
}

// ListMessages returns messages in store order. An empty state lists all; limit<=0 is unbounded.
func (s *Store) ListMessages(ctx context.Context, state model.MessageState, limit int) ([]model.Message, error) {
	query := `
SELECT message_id, kind, content, meta_json, created_at, state, delivered_at, failed_at, attempts
FROM messages`
	args := make([]any, 0, 2)
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at ASC, message_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make([]model.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iter messages: %v", model.ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT message_id, kind, content, meta_json, created_at, state, delivered_at, failed_at, attempts
FROM messages
WHERE message_id = ?
`, strings.TrimSpace(id))
	return scanMessage(row)
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE state = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count pending: %v", model.ErrStoreUnavailable, err)
	}
	return n, nil
}

// MarkDelivered moves pending ids to delivered in one transaction. Ids that
// are absent or not pending are ignored.
func (s *Store) MarkDelivered(ctx context.Context, ids []string) error {
	now := ts(time.Now().UTC())
	return s.transition(ctx, "mark delivered", ids, func(tx *sql.Tx, id string) error {
		_, err := tx.ExecContext(ctx, `
UPDATE messages
SET state = 'delivered', delivered_at = ?, updated_at = ?
WHERE message_id = ? AND state = 'pending'
`, now, now, id)
		return err
	})
}

func (s *Store) MarkFailed(ctx context.Context, ids []string) error {
	now := ts(time.Now().UTC())
	return s.transition(ctx, "mark failed", ids, func(tx *sql.Tx, id string) error {
		_, err := tx.ExecContext(ctx, `
UPDATE messages
SET state = 'failed', failed_at = ?, attempts = attempts + 1, updated_at = ?
WHERE message_id = ? AND state = 'pending'
`, now, now, id)
		return err
	})
}

func (s *Store) Requeue(ctx context.Context, ids []string) error {
	now := ts(time.Now().UTC())
	return s.transition(ctx, "requeue", ids, func(tx *sql.Tx, id string) error {
		_, err := tx.ExecContext(ctx, `
UPDATE messages
SET state = 'pending', failed_at = NULL, updated_at = ?
WHERE message_id = ? AND state = 'failed'
`, now, id)
		return err
	})
}

func (s *Store) transition(ctx context.Context, op string, ids []string, apply func(tx *sql.Tx, id string) error) error {
	ids = dedupeNonEmpty(ids)
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin %s tx: %v", model.ErrStoreUnavailable, op, err)
	}
	for _, id := range ids {
		if err := apply(tx, id); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("%w: %s %s: %v", model.ErrStoreUnavailable, op, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s: %v", model.ErrStoreUnavailable, op, err)
	}
	return nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (model.Message, error) {
	var (
		msg         model.Message
		metaJSON    sql.NullString
		createdAt   string
		state       string
		deliveredAt sql.NullString
		failedAt    sql.NullString
	)
	if err := scanner.Scan(&msg.ID, &msg.Kind, &msg.Content, &metaJSON, &createdAt, &state, &deliveredAt, &failedAt, &msg.Attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, fmt.Errorf("%w: scan message: %v", model.ErrStoreUnavailable, err)
	}
	msg.State = model.MessageState(state)
	if !msg.State.Valid() {
		return model.Message{}, fmt.Errorf("%w: message %s has state %q", model.ErrCorruptQueue, msg.ID, state)
	}
	var err error
	if msg.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Message{}, fmt.Errorf("%w: message %s created_at: %v", model.ErrCorruptQueue, msg.ID, err)
	}
	if msg.DeliveredAt, err = parseNullableTS(deliveredAt); err != nil {
		return model.Message{}, fmt.Errorf("%w: message %s delivered_at: %v", model.ErrCorruptQueue, msg.ID, err)
	}
	if msg.FailedAt, err = parseNullableTS(failedAt); err != nil {
		return model.Message{}, fmt.Errorf("%w: message %s failed_at: %v", model.ErrCorruptQueue, msg.ID, err)
	}
	if msg.Meta, err = unmarshalMeta(metaJSON); err != nil {
		return model.Message{}, fmt.Errorf("%w: message %s meta: %v", model.ErrCorruptQueue, msg.ID, err)
	}
	return msg, nil
}

func marshalMeta(meta map[string]string) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode message meta: %w", err)
	}
	return string(b), nil
}

func unmarshalMeta(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func dedupeNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "constraint failed: unique")
}
