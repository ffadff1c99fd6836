package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/g960059/agtscout/internal/config"
	"github.com/g960059/agtscout/internal/daemon"
	"github.com/g960059/agtscout/internal/service"
)

const forceStopWait = 10 * time.Second

// serveDaemon runs the delivery daemon in the foreground until SIGINT or
// SIGTERM. With force, an instance recorded in the pid file is stopped first.
func (r *Runner) serveDaemon(ctx context.Context, cfg config.Config, force bool) int {
	logger, err := r.newLogger()
	if err != nil {
		return r.handleErr(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if force {
		pid, err := daemon.TerminateRecorded(cfg.PIDPath, forceStopWait)
		if err != nil {
			return r.handleErr(fmt.Errorf("stop running instance: %w", err))
		}
		if pid > 0 {
			logger.Info("stopped previous instance", zap.Int("pid", pid))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := service.NewFromConfig(ctx, cfg, logger, reg)
	if err != nil {
		return r.handleErr(err)
	}
	defer svc.Close() //nolint:errcheck

	srv := daemon.NewServer(cfg, svc, reg, logger)
	err = srv.Start(ctx)
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		_, _ = fmt.Fprintf(r.errOut, "error: %v (use start --force to replace it)\n", err)
		return 1
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited", zap.Error(err))
		return r.handleErr(err)
	}
	return 0
}
