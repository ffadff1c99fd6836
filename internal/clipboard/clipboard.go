// Package clipboard saves and restores the shared clipboard around a
// delivery so that the user's own clipboard content survives it.
package clipboard

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Clipboard is a readable and writable text clipboard. Read reports ok=false
// when the clipboard is empty.
type Clipboard interface {
	Read(ctx context.Context) (content string, ok bool, err error)
	Write(ctx context.Context, content string) error
}

// Clearer is implemented by clipboards that can return to the empty state.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Guard holds the content captured by Acquire until Release.
type Guard struct {
	cb     Clipboard
	logger *zap.Logger

	mu       sync.Mutex
	saved    string
	hadValue bool
	released bool
}

func Acquire(ctx context.Context, cb Clipboard, logger *zap.Logger) (*Guard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	content, ok, err := cb.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read clipboard: %w", err)
	}
	return &Guard{cb: cb, logger: logger, saved: content, hadValue: ok}, nil
}

// Release puts the saved content back. It writes only when the clipboard no
// longer holds the saved value, and runs even when ctx is already cancelled.
// Calling it more than once is a no-op.
func (g *Guard) Release(ctx context.Context) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil
	}
	g.released = true

	ctx = context.WithoutCancel(ctx)
	current, ok, err := g.cb.Read(ctx)
	if err != nil {
		g.logger.Warn("clipboard read before restore failed", zap.Error(err))
		ok = true
		current = ""
	}

	if !g.hadValue {
		if !ok {
			return nil
		}
		if clearer, can := g.cb.(Clearer); can {
			if err := clearer.Clear(ctx); err != nil {
				return fmt.Errorf("clear clipboard: %w", err)
			}
			return nil
		}
		if err := g.cb.Write(ctx, ""); err != nil {
			return fmt.Errorf("restore empty clipboard: %w", err)
		}
		return nil
	}

	if ok && current == g.saved {
		return nil
	}
	if err := g.cb.Write(ctx, g.saved); err != nil {
		return fmt.Errorf("restore clipboard: %w", err)
	}
	g.logger.Debug("clipboard restored", zap.Int("bytes", len(g.saved)))
	return nil
}

// Memory is an in-process clipboard.
type Memory struct {
	mu      sync.Mutex
	content string
	has     bool
	writes  int

	ReadErr  error
	WriteErr error
}

func NewMemory(content string, has bool) *Memory {
	return &Memory{content: content, has: has}
}

func (m *Memory) Read(_ context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return "", false, m.ReadErr
	}
	return m.content, m.has, nil
}

func (m *Memory) Write(_ context.Context, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.content = content
	m.has = true
	m.writes++
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = ""
	m.has = false
	return nil
}

func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
