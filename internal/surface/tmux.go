package surface

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/agtscout/internal/config"
	"github.com/g960059/agtscout/internal/model"
	"github.com/g960059/agtscout/internal/target"
	"github.com/g960059/agtscout/internal/tmuxfmt"
)

// TmuxRunner is the subset of target.Executor the tmux surface needs.
type TmuxRunner interface {
	Tmux(ctx context.Context, args ...string) (target.RunResult, error)
	TmuxWithInput(ctx context.Context, input string, args ...string) (target.RunResult, error)
}

// Tmux is a TargetSurface backed by a tmux pane running an agent CLI.
type Tmux struct {
	exec   TmuxRunner
	cfg    config.Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	previousPane string
}

func NewTmux(exec TmuxRunner, cfg config.Config, logger *zap.Logger) *Tmux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tmux{exec: exec, cfg: cfg, logger: logger, sleep: sleepCtx}
}

func (t *Tmux) Acquire(ctx context.Context) (Handle, error) {
	res, err := t.exec.Tmux(ctx,
		"list-panes", "-a", "-F",
		tmuxfmt.Join(
			"#{pane_id}",
			"#{session_name}",
			"#{window_id}",
			"#{window_name}",
			"#{pane_current_command}",
			"#{pane_title}",
		),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: list panes: %v", model.ErrTargetNotFound, err)
	}
	handles, err := parsePanes(res.Output)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", model.ErrTargetNotFound, err)
	}

	if pane := strings.TrimSpace(t.cfg.Target.Pane); pane != "" {
		for _, h := range handles {
			if h.PaneID == pane {
				return h, nil
			}
		}
		return Handle{}, fmt.Errorf("%w: pane %s is gone", model.ErrTargetNotFound, pane)
	}
	for _, h := range handles {
		if matchesAny(h, t.cfg.Target.Match) {
			return h, nil
		}
	}
	return Handle{}, fmt.Errorf("%w: no pane matches %v", model.ErrTargetNotFound, t.cfg.Target.Match)
}

func (t *Tmux) CheckReady(ctx context.Context, h Handle) (Readiness, error) {
	res, err := t.capture(ctx, h)
	if err != nil {
		return Readiness{}, err
	}
	return Classify(res), nil
}

func (t *Tmux) Focus(ctx context.Context, h Handle) error {
	res, err := t.exec.Tmux(ctx, "display-message", "-p", "#{pane_id}")
	if err != nil {
		t.logger.Debug("active pane lookup failed", zap.Error(err))
	}
	previous := strings.TrimSpace(res.Output)
	if previous == h.PaneID {
		previous = ""
	}
	t.mu.Lock()
	t.previousPane = previous
	t.mu.Unlock()

	if _, err := t.exec.Tmux(ctx, "select-window", "-t", h.WindowID); err != nil {
		return fmt.Errorf("%w: select window %s: %v", model.ErrInjectionFailed, h.WindowID, err)
	}
	if _, err := t.exec.Tmux(ctx, "select-pane", "-t", h.PaneID); err != nil {
		return fmt.Errorf("%w: select pane %s: %v", model.ErrInjectionFailed, h.PaneID, err)
	}
	return t.sleep(ctx, t.cfg.Engine.FocusSettle)
}

// RestorePreviousFocus re-selects the pane that was active before Focus.
// It is a no-op when nothing was recorded.
func (t *Tmux) RestorePreviousFocus(ctx context.Context) error {
	t.mu.Lock()
	previous := t.previousPane
	t.previousPane = ""
	t.mu.Unlock()
	if previous == "" {
		return nil
	}
	if _, err := t.exec.Tmux(ctx, "select-window", "-t", previous); err != nil {
		return fmt.Errorf("restore window %s: %w", previous, err)
	}
	if _, err := t.exec.Tmux(ctx, "select-pane", "-t", previous); err != nil {
		return fmt.Errorf("restore pane %s: %w", previous, err)
	}
	return nil
}

// InjectText replaces the pane's input line with text. The text goes through
// the paste buffer and is pasted bracketed so embedded newlines do not submit.
func (t *Tmux) InjectText(ctx context.Context, h Handle, text string) error {
	if len(t.cfg.Engine.ClearKeys) > 0 {
		args := append([]string{"send-keys", "-t", h.PaneID}, t.cfg.Engine.ClearKeys...)
		if _, err := t.exec.Tmux(ctx, args...); err != nil {
			return fmt.Errorf("%w: clear input: %v", model.ErrInjectionFailed, err)
		}
	}
	if _, err := t.exec.TmuxWithInput(ctx, text, "load-buffer", "-"); err != nil {
		return fmt.Errorf("%w: load buffer: %v", model.ErrInjectionFailed, err)
	}
	if _, err := t.exec.Tmux(ctx, "paste-buffer", "-d", "-p", "-t", h.PaneID); err != nil {
		return fmt.Errorf("%w: paste buffer: %v", model.ErrInjectionFailed, err)
	}
	return nil
}

// ConfirmSend presses Enter and waits for evidence that the input was taken:
// the pane turns busy or its content changes.
func (t *Tmux) ConfirmSend(ctx context.Context, h Handle) (bool, error) {
	before, err := t.capture(ctx, h)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrSendUnconfirmed, err)
	}
	beforeSig := Classify(before).Signature

	if _, err := t.exec.Tmux(ctx, "send-keys", "-t", h.PaneID, "Enter"); err != nil {
		return false, fmt.Errorf("%w: send enter: %v", model.ErrInjectionFailed, err)
	}

	timeout := t.cfg.Engine.ConfirmTimeout
	if timeout <= 0 {
		return true, nil
	}
	poll := t.cfg.Engine.ConfirmPollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		if err := t.sleep(ctx, poll); err != nil {
			return false, err
		}
		out, err := t.capture(ctx, h)
		if err == nil {
			r := Classify(out)
			if r.Busy || r.Signature != beforeSig {
				return true, nil
			}
		} else if errors.Is(err, model.ErrTargetNotFound) {
			return false, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
	}
}

func (t *Tmux) capture(ctx context.Context, h Handle) (string, error) {
	res, err := t.exec.Tmux(ctx, "capture-pane", "-p", "-t", h.PaneID, "-S", "-80")
	if err != nil {
		return "", fmt.Errorf("%w: capture pane %s: %v", model.ErrTargetNotFound, h.PaneID, err)
	}
	return res.Output, nil
}

func parsePanes(output string) ([]Handle, error) {
	s := bufio.NewScanner(strings.NewReader(output))
	handles := make([]Handle, 0)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := tmuxfmt.SplitLine(line, 6)
		if len(parts) < 5 {
			return nil, fmt.Errorf("invalid tmux list-panes line: %q", line)
		}
		if !strings.HasPrefix(strings.TrimSpace(parts[0]), "%") || !strings.HasPrefix(strings.TrimSpace(parts[2]), "@") {
			return nil, fmt.Errorf("invalid tmux list-panes line: %q", line)
		}
		h := Handle{
			PaneID:      strings.TrimSpace(parts[0]),
			SessionName: parts[1],
			WindowID:    strings.TrimSpace(parts[2]),
			WindowName:  parts[3],
			CurrentCmd:  strings.TrimSpace(parts[4]),
		}
		if len(parts) == 6 {
			h.Title = strings.TrimSpace(parts[5])
		}
		handles = append(handles, h)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan tmux output: %w", err)
	}
	return handles, nil
}

func matchesAny(h Handle, patterns []string) bool {
	cmd := strings.ToLower(h.CurrentCmd)
	title := strings.ToLower(h.Title)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.Contains(cmd, p) || strings.Contains(title, p) {
			return true
		}
	}
	return false
}
