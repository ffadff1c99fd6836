package target

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/g960059/agtscout/internal/config"
	"github.com/g960059/agtscout/internal/model"
)

type RunResult struct {
	Output   string
	Duration time.Duration
}

// Runner executes a single process. stdin may be nil.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	return cmd.CombinedOutput()
}

// Executor runs tmux commands against one host, locally or over ssh.
type Executor struct {
	cfg    config.Config
	target model.Target
	runner Runner
}

func NewExecutor(cfg config.Config) *Executor {
	return &Executor{
		cfg: cfg,
		target: model.Target{
			Kind:          model.TargetKind(cfg.Target.Kind),
			ConnectionRef: cfg.Target.ConnectionRef,
		},
		runner: OSRunner{},
	}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	return e
}

func (e *Executor) Target() model.Target {
	return e.target
}

// Tmux runs "tmux <args...>".
func (e *Executor) Tmux(ctx context.Context, args ...string) (RunResult, error) {
	return e.Run(ctx, nil, BuildTmuxCommand(args...))
}

// TmuxWithInput runs "tmux <args...>" feeding input on stdin (load-buffer -).
func (e *Executor) TmuxWithInput(ctx context.Context, input string, args ...string) (RunResult, error) {
	return e.Run(ctx, strings.NewReader(input), BuildTmuxCommand(args...))
}

func (e *Executor) Run(ctx context.Context, stdin io.Reader, command []string) (RunResult, error) {
	if len(command) == 0 {
		return RunResult{}, fmt.Errorf("empty command")
	}

	maxAttempts := 1
	if stdin == nil && isRetryableCommand(command) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, e.commandTimeout())
		var (
			out []byte
			err error
		)
		switch e.target.Kind {
		case model.TargetKindLocal, "":
			out, err = e.runner.Run(runCtx, stdin, command[0], command[1:]...)
		case model.TargetKindSSH:
			args, argErr := e.buildSSHArgs(command)
			if argErr != nil {
				cancel()
				return RunResult{}, argErr
			}
			out, err = e.runner.Run(runCtx, stdin, "ssh", args...)
		default:
			cancel()
			return RunResult{}, fmt.Errorf("unsupported target kind: %s", e.target.Kind)
		}
		cancel()
		if err == nil {
			return RunResult{Output: string(out), Duration: time.Since(start)}, nil
		}
		lastErr = fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return RunResult{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}
	return RunResult{}, fmt.Errorf("%s: %w", strings.Join(command, " "), lastErr)
}

func (e *Executor) commandTimeout() time.Duration {
	if e.cfg.CommandTimeout <= 0 {
		return 5 * time.Second
	}
	return e.cfg.CommandTimeout
}

func (e *Executor) buildSSHArgs(command []string) ([]string, error) {
	ref := strings.TrimSpace(e.target.ConnectionRef)
	if ref == "" {
		return nil, fmt.Errorf("ssh target connection_ref is required")
	}
	if strings.HasPrefix(ref, "-") {
		return nil, fmt.Errorf("invalid ssh target connection_ref")
	}
	args := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(e.cfg.ConnectTimeout.Seconds())),
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=60",
		ref,
		RemoteCommand(command),
	}
	return args, nil
}

// RemoteCommand joins argv into one string for the remote shell that ssh
// hands it to. Arguments holding anything beyond plain word characters are
// single-quoted, so tmux formats such as "#{pane_id}" reach tmux intact.
func RemoteCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	if strings.IndexFunc(arg, func(r rune) bool { return !isShellSafe(r) }) < 0 {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("_-.,/:=@%+", r)
}

func BuildTmuxCommand(args ...string) []string {
	cmd := make([]string, 0, len(args)+1)
	cmd = append(cmd, "tmux")
	cmd = append(cmd, args...)
	return cmd
}

// Only side-effect free tmux reads are retried; a retried paste or send-keys
// could duplicate input in the pane.
func isRetryableCommand(command []string) bool {
	if len(command) < 2 {
		return false
	}
	if command[0] != "tmux" {
		return false
	}
	switch strings.ToLower(command[1]) {
	case "list-panes", "list-windows", "list-buffers", "display-message", "capture-pane", "show-buffer":
		return true
	default:
		return false
	}
}
