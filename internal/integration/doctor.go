// Package integration checks that the local environment can run the
// delivery daemon.
package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/g960059/agtscout/internal/config"
	"github.com/g960059/agtscout/internal/heartbeat"
	"github.com/g960059/agtscout/internal/model"
	"github.com/g960059/agtscout/internal/service"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type DoctorOptions struct {
	Config config.Config
	// Probe locates the target pane. Nil skips the target check.
	Probe    func(ctx context.Context) service.WindowReport
	LookPath func(file string) (string, error)
	Now      func() time.Time
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

func Doctor(ctx context.Context, opts DoctorOptions) DoctorResult {
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config

	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Status == StatusWarn {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == StatusFail {
			out.OK = false
		}
	}

	add(checkConfig(cfg))
	add(checkBinary(cfg, opts.LookPath))
	add(checkQueue(ctx, cfg.QueuePath))
	add(checkSocket(cfg.SocketPath))
	add(checkHeartbeat(cfg.HeartbeatPath, opts.Now()))
	if opts.Probe != nil {
		add(checkTarget(ctx, opts.Probe))
	}
	return out
}

func checkConfig(cfg config.Config) DoctorCheck {
	if err := cfg.Validate(); err != nil {
		return DoctorCheck{Name: "config", Status: StatusFail, Message: err.Error()}
	}
	return DoctorCheck{Name: "config", Status: StatusPass, Message: "valid"}
}

func checkBinary(cfg config.Config, lookPath func(string) (string, error)) DoctorCheck {
	bin := "tmux"
	if model.TargetKind(cfg.Target.Kind) == model.TargetKindSSH {
		bin = "ssh"
	}
	path, err := lookPath(bin)
	if err != nil {
		return DoctorCheck{Name: bin, Status: StatusFail, Message: "not found in PATH"}
	}
	return DoctorCheck{Name: bin, Status: StatusPass, Message: "found", Path: path}
}

func checkQueue(ctx context.Context, path string) DoctorCheck {
	store, err := service.OpenStore(ctx, path)
	if err != nil {
		return DoctorCheck{Name: "queue", Status: StatusFail, Message: err.Error(), Path: path}
	}
	defer store.Close() //nolint:errcheck
	pending, err := store.CountPending(ctx)
	if err != nil {
		return DoctorCheck{Name: "queue", Status: StatusFail, Message: err.Error(), Path: path}
	}
	if _, err := store.ListPending(ctx); errors.Is(err, model.ErrCorruptQueue) {
		return DoctorCheck{Name: "queue", Status: StatusFail, Message: err.Error(), Path: path}
	}
	return DoctorCheck{Name: "queue", Status: StatusPass, Message: fmt.Sprintf("%d pending", pending), Path: path}
}

func checkSocket(path string) DoctorCheck {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DoctorCheck{Name: "daemon_socket", Status: StatusWarn, Message: "daemon not running", Path: path}
		}
		return DoctorCheck{Name: "daemon_socket", Status: StatusFail, Message: err.Error(), Path: path}
	}
	if info.Mode()&os.ModeSocket == 0 {
		return DoctorCheck{Name: "daemon_socket", Status: StatusFail, Message: "path exists and is not a unix socket", Path: path}
	}
	return DoctorCheck{Name: "daemon_socket", Status: StatusPass, Message: "present", Path: path}
}

func checkHeartbeat(path string, now time.Time) DoctorCheck {
	beat, age, err := heartbeat.Check(path, heartbeat.DefaultMaxStale, now)
	switch {
	case errors.Is(err, heartbeat.ErrMissing):
		return DoctorCheck{Name: "heartbeat", Status: StatusWarn, Message: "no heartbeat written yet", Path: path}
	case errors.Is(err, heartbeat.ErrStale):
		return DoctorCheck{Name: "heartbeat", Status: StatusWarn, Message: fmt.Sprintf("stale: pid %d, age %s", beat.PID, age.Round(time.Second)), Path: path}
	case err != nil:
		return DoctorCheck{Name: "heartbeat", Status: StatusFail, Message: err.Error(), Path: path}
	}
	return DoctorCheck{Name: "heartbeat", Status: StatusPass, Message: fmt.Sprintf("pid %d, age %s", beat.PID, age.Round(time.Second)), Path: path}
}

func checkTarget(ctx context.Context, probe func(context.Context) service.WindowReport) DoctorCheck {
	report := probe(ctx)
	if !report.Found {
		return DoctorCheck{Name: "target", Status: StatusFail, Message: report.Error}
	}
	msg := fmt.Sprintf("pane %s (%s)", report.Handle.PaneID, report.Handle.CurrentCmd)
	if report.Error != "" {
		return DoctorCheck{Name: "target", Status: StatusWarn, Message: msg + ": " + report.Error}
	}
	return DoctorCheck{Name: "target", Status: StatusPass, Message: fmt.Sprintf("%s state=%s", msg, report.Readiness.State)}
}
