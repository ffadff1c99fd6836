package clipboard

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/g960059/agtscout/internal/target"
)

// TmuxRunner is the subset of target.Executor the tmux clipboard needs.
type TmuxRunner interface {
	Tmux(ctx context.Context, args ...string) (target.RunResult, error)
	TmuxWithInput(ctx context.Context, input string, args ...string) (target.RunResult, error)
}

// automatic buffers are the ones tmux names itself; named buffers are not
// part of the paste stack the user sees.
var automaticBufferName = regexp.MustCompile(`^buffer[0-9]+$`)

// Tmux treats the top of the tmux paste-buffer stack as the clipboard.
type Tmux struct {
	exec TmuxRunner
}

func NewTmux(exec TmuxRunner) *Tmux {
	return &Tmux{exec: exec}
}

func (t *Tmux) Read(ctx context.Context) (string, bool, error) {
	name, err := t.topBuffer(ctx)
	if err != nil {
		return "", false, err
	}
	if name == "" {
		return "", false, nil
	}
	res, err := t.exec.Tmux(ctx, "show-buffer", "-b", name)
	if err != nil {
		return "", false, fmt.Errorf("show-buffer %s: %w", name, err)
	}
	return res.Output, true, nil
}

func (t *Tmux) Write(ctx context.Context, content string) error {
	if _, err := t.exec.TmuxWithInput(ctx, content, "load-buffer", "-"); err != nil {
		return fmt.Errorf("load-buffer: %w", err)
	}
	return nil
}

func (t *Tmux) Clear(ctx context.Context) error {
	name, err := t.topBuffer(ctx)
	if err != nil || name == "" {
		return err
	}
	if _, err := t.exec.Tmux(ctx, "delete-buffer", "-b", name); err != nil {
		return fmt.Errorf("delete-buffer %s: %w", name, err)
	}
	return nil
}

// topBuffer returns the most recent automatic buffer, or "" when there is none.
func (t *Tmux) topBuffer(ctx context.Context) (string, error) {
	res, err := t.exec.Tmux(ctx, "list-buffers", "-F", "#{buffer_name}")
	if err != nil {
		return "", fmt.Errorf("list-buffers: %w", err)
	}
	for _, line := range strings.Split(res.Output, "\n") {
		name := strings.TrimSpace(line)
		if automaticBufferName.MatchString(name) {
			return name, nil
		}
	}
	return "", nil
}
