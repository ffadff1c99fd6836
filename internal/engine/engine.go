// Package engine delivers queued messages into the target surface, one
// combined payload per cycle, only while the target is ready for input.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/agtscout/internal/clipboard"
	"github.com/g960059/agtscout/internal/config"
	"github.com/g960059/agtscout/internal/heartbeat"
	"github.com/g960059/agtscout/internal/model"
	"github.com/g960059/agtscout/internal/security"
	"github.com/g960059/agtscout/internal/surface"
	"github.com/g960059/agtscout/internal/target"
)

// QueueStore is the persistence contract the engine consumes.
type QueueStore interface {
	Append(ctx context.Context, msg model.Message) (string, error)
	ListPending(ctx context.Context) ([]model.Message, error)
	MarkDelivered(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, ids []string) error
	Requeue(ctx context.Context, ids []string) error
	CountPending(ctx context.Context) (int, error)
}

type Deps struct {
	Store     QueueStore
	Surface   surface.TargetSurface
	Clipboard clipboard.Clipboard
	Config    config.Config
	Logger    *zap.Logger
	Metrics   *Metrics
	Heartbeat *heartbeat.Writer
}

type Engine struct {
	store     QueueStore
	surface   surface.TargetSurface
	clip      clipboard.Clipboard
	cfg       config.Config
	logger    *zap.Logger
	metrics   *Metrics
	heartbeat *heartbeat.Writer
	health    *target.HealthTracker
	state     *State
	now       func() time.Time

	wake chan struct{}
	// dispatchMu serialises everything that touches the surface or clipboard.
	dispatchMu sync.Mutex
}

func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{
		store:     d.Store,
		surface:   d.Surface,
		clip:      d.Clipboard,
		cfg:       d.Config,
		logger:    logger,
		metrics:   metrics,
		heartbeat: d.Heartbeat,
		health:    target.NewHealthTracker(d.Config),
		state:     NewState(),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

func (e *Engine) State() *State {
	return e.state
}

// Wake requests a drain. It never blocks; wakes coalesce while one is pending.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives cycles until ctx is cancelled. It returns nil on cancellation
// and a wrapped model.ErrCorruptQueue when the store can no longer be read.
func (e *Engine) Run(ctx context.Context) error {
	e.state.setRunning(true, e.now().UTC())
	e.logger.Info("delivery engine started",
		zap.Duration("fallback_interval", e.cfg.Engine.FallbackInterval),
		zap.Duration("ready_timeout", e.cfg.Engine.ReadyTimeout),
	)
	defer func() {
		e.state.setRunning(false, e.now().UTC())
		e.writeHeartbeat(context.WithoutCancel(ctx), false)
		e.logger.Info("delivery engine stopped")
	}()

	fallback := time.NewTimer(e.fallbackInterval())
	defer fallback.Stop()
	var beat <-chan time.Time
	if e.heartbeat != nil && e.cfg.Engine.HeartbeatInterval > 0 {
		ticker := time.NewTicker(e.cfg.Engine.HeartbeatInterval)
		defer ticker.Stop()
		beat = ticker.C
	}
	e.writeHeartbeat(ctx, true)
	// Deliver whatever is already pending without waiting for the first tick.
	e.Wake()

	for {
		e.state.setPhase(model.PhaseIdle)
		select {
		case <-ctx.Done():
			return nil
		case <-beat:
			e.writeHeartbeat(ctx, true)
			continue
		case <-e.wake:
		case <-fallback.C:
		}

		err := e.RunCycle(ctx)
		if errors.Is(err, model.ErrCorruptQueue) {
			e.logger.Error("queue store is corrupt, stopping", zap.Error(err))
			e.state.recordError(err.Error(), e.now().UTC())
			return err
		}
		if !fallback.Stop() {
			select {
			case <-fallback.C:
			default:
			}
		}
		fallback.Reset(e.fallbackInterval())
	}
}

// RunCycle performs one drain attempt. Only corrupt-store errors are
// returned; every other fault is recorded and left for the next cycle.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	defer e.state.setPhase(model.PhaseIdle)

	e.state.setPhase(model.PhaseDraining)
	if err := sleepCtx(ctx, e.cfg.Engine.SettleDelay); err != nil {
		return nil
	}
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		if errors.Is(err, model.ErrCorruptQueue) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		e.fail(ReasonStore, err)
		return nil
	}
	e.metrics.Pending.Set(float64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	batch := BuildPayload(pending)
	e.settleBlank(context.WithoutCancel(ctx), batch.Blank)
	if batch.Text == "" {
		return nil
	}

	e.state.setPhase(model.PhaseAwaitingReady)
	h, err := e.surface.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e.recoverTarget(err)
		return nil
	}
	if err := e.waitReady(ctx, h, e.cfg.Engine.ReadyTimeout); err != nil {
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, model.ErrReadinessTimeout):
			e.observeSurface(true)
			e.fail(ReasonReadinessTimeout, err)
		default:
			e.recoverTarget(err)
		}
		return nil
	}

	e.state.setPhase(model.PhaseDispatching)
	e.deliver(context.WithoutCancel(ctx), h, batch, len(batch.IDs))
	return nil
}

// DeliverNow delivers the single pending message id immediately, checking
// readiness once instead of waiting. A message already settled by the
// worker is reported as success. On failure the message is marked failed so
// the worker does not send it later; "requeue" puts it back.
func (e *Engine) DeliverNow(ctx context.Context, id string) error {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return err
	}
	var msg *model.Message
	for i := range pending {
		if pending[i].ID == id {
			msg = &pending[i]
			break
		}
	}
	if msg == nil {
		return nil
	}
	batch := BuildPayload([]model.Message{*msg})
	if batch.Text == "" {
		e.settleBlank(context.WithoutCancel(ctx), batch.Blank)
		return fmt.Errorf("%w: %s", model.ErrBlankMessage, id)
	}

	err = e.deliverNow(ctx, batch)
	if err != nil && !errors.Is(err, model.ErrStoreUnavailable) {
		if markErr := e.store.MarkFailed(context.WithoutCancel(ctx), batch.IDs); markErr != nil {
			e.logger.Warn("mark failed", zap.String("id", id), zap.Error(markErr))
		}
	}
	return err
}

func (e *Engine) deliverNow(ctx context.Context, batch Batch) error {
	h, err := e.surface.Acquire(ctx)
	if err != nil {
		e.recoverTarget(err)
		return err
	}
	if err := e.waitReady(ctx, h, 0); err != nil {
		if errors.Is(err, model.ErrReadinessTimeout) {
			e.fail(ReasonReadinessTimeout, err)
		} else {
			e.recoverTarget(err)
		}
		return err
	}
	return e.deliver(context.WithoutCancel(ctx), h, batch, 1)
}

// InjectOnly places text in the target input without submitting it.
// Nothing is read from or written to the queue.
func (e *Engine) InjectOnly(ctx context.Context, text string) (surface.Handle, error) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	h, err := e.surface.Acquire(ctx)
	if err != nil {
		return surface.Handle{}, err
	}
	err = e.withTarget(context.WithoutCancel(ctx), h, func(dctx context.Context) error {
		return e.surface.InjectText(dctx, h, text)
	})
	return h, err
}

// Probe acquires the target and checks readiness once. It does not take the
// dispatch lock: both calls are reads.
func (e *Engine) Probe(ctx context.Context) (surface.Handle, surface.Readiness, error) {
	h, err := e.surface.Acquire(ctx)
	if err != nil {
		return surface.Handle{}, surface.Readiness{}, err
	}
	r, err := e.surface.CheckReady(ctx, h)
	if err != nil {
		return h, surface.Readiness{}, err
	}
	return h, r, nil
}

func (e *Engine) waitReady(ctx context.Context, h surface.Handle, timeout time.Duration) error {
	start := e.now()
	defer func() {
		e.metrics.ReadyWait.Observe(e.now().Sub(start).Seconds())
	}()
	deadline := start.Add(timeout)
	for {
		r, err := e.surface.CheckReady(ctx, h)
		if err != nil {
			return err
		}
		if r.Ready() {
			return nil
		}
		if !e.now().Before(deadline) {
			return fmt.Errorf("%w: pane %s still %s after %s", model.ErrReadinessTimeout, h.PaneID, r.State, timeout)
		}
		e.logger.Debug("target busy, waiting", zap.String("pane", h.PaneID), zap.String("state", r.State))
		if err := sleepCtx(ctx, e.pollInterval()); err != nil {
			return err
		}
	}
}

// deliver runs the dispatch sequence and settles the batch on success.
// ctx must already be detached from cancellation.
func (e *Engine) deliver(ctx context.Context, h surface.Handle, batch Batch, messages int) error {
	e.logger.Info("dispatching",
		zap.String("pane", h.PaneID),
		zap.Int("messages", messages),
		zap.Int("bytes", len(batch.Text)),
		zap.String("preview", security.Preview(batch.Text, 0)),
	)
	err := e.withTarget(ctx, h, func(dctx context.Context) error {
		if err := e.surface.InjectText(dctx, h, batch.Text); err != nil {
			return err
		}
		if err := sleepCtx(dctx, e.cfg.Engine.PasteSettle); err != nil {
			return err
		}
		ok, err := e.surface.ConfirmSend(dctx, h)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: pane %s showed no change within %s", model.ErrSendUnconfirmed, h.PaneID, e.cfg.Engine.ConfirmTimeout)
		}
		return nil
	})
	if err != nil {
		e.observeSurface(false)
		reason := ReasonInjectionFailed
		if errors.Is(err, model.ErrSendUnconfirmed) {
			reason = ReasonSendUnconfirmed
		}
		e.fail(reason, err)
		return err
	}

	e.observeSurface(true)
	now := e.now().UTC()
	e.state.recordSent(now)
	e.metrics.Deliveries.Inc()
	if err := e.markDelivered(ctx, batch.IDs); err != nil {
		return err
	}
	e.writeHeartbeat(ctx, true)
	return nil
}

// withTarget wraps fn with clipboard save/restore and focus/restore.
func (e *Engine) withTarget(ctx context.Context, h surface.Handle, fn func(ctx context.Context) error) error {
	if e.clip != nil {
		guard, err := clipboard.Acquire(ctx, e.clip, e.logger)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrInjectionFailed, err)
		}
		defer func() {
			if err := guard.Release(ctx); err != nil {
				e.logger.Warn("clipboard restore failed", zap.Error(err))
			}
		}()
	}
	defer func() {
		if err := e.surface.RestorePreviousFocus(ctx); err != nil {
			e.logger.Warn("focus restore failed", zap.Error(err))
		}
	}()
	if err := e.surface.Focus(ctx, h); err != nil {
		return err
	}
	return fn(ctx)
}

// markDelivered retries transient store failures with the configured backoff.
// If every attempt fails the batch stays pending and will be sent again.
func (e *Engine) markDelivered(ctx context.Context, ids []string) error {
	backoff := e.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= len(backoff); attempt++ {
		if err = e.store.MarkDelivered(ctx, ids); err == nil {
			e.metrics.DeliveredMessages.Add(float64(len(ids)))
			return nil
		}
		if attempt < len(backoff) {
			_ = sleepCtx(ctx, backoff[attempt])
		}
	}
	e.logger.Error("delivered batch could not be marked", zap.Strings("ids", ids), zap.Error(err))
	e.fail(ReasonStore, err)
	return err
}

// settleBlank marks whitespace-only messages failed so they leave the
// pending set without being reported as delivered.
func (e *Engine) settleBlank(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := e.store.MarkFailed(ctx, ids); err != nil {
		e.fail(ReasonStore, err)
		return
	}
	e.logger.Warn("blank messages marked failed", zap.Strings("ids", ids))
}

func (e *Engine) recoverTarget(err error) {
	e.state.setPhase(model.PhaseRecovering)
	e.observeSurface(false)
	e.fail(ReasonTargetNotFound, err)
}

func (e *Engine) fail(reason string, err error) {
	e.metrics.Failures.WithLabelValues(reason).Inc()
	e.state.recordError(err.Error(), e.now().UTC())
	e.logger.Warn("delivery cycle failed", zap.String("reason", reason), zap.Error(err))
}

func (e *Engine) observeSurface(success bool) {
	health, changed := e.health.Observe(success, e.now().UTC())
	e.state.setHealth(health)
	if changed {
		e.logger.Info("surface health changed", zap.String("health", string(health)))
	}
}

func (e *Engine) writeHeartbeat(ctx context.Context, alive bool) {
	if e.heartbeat == nil {
		return
	}
	snap := e.state.Snapshot()
	pending, err := e.store.CountPending(ctx)
	if err != nil {
		pending = -1
	}
	err = e.heartbeat.Write(heartbeat.Beat{
		Timestamp:       e.now().UTC(),
		State:           string(snap.Phase),
		PendingMessages: pending,
		SendCount:       snap.SendCount,
		LastSent:        snap.LastSent,
		LastError:       snap.LastError,
		Alive:           alive,
	})
	if err != nil {
		e.logger.Warn("heartbeat write failed", zap.String("path", e.heartbeat.Path()), zap.Error(err))
	}
}

func (e *Engine) fallbackInterval() time.Duration {
	if e.cfg.Engine.FallbackInterval <= 0 {
		return 5 * time.Second
	}
	return e.cfg.Engine.FallbackInterval
}

func (e *Engine) pollInterval() time.Duration {
	if e.cfg.Engine.ReadyPollInterval <= 0 {
		return 1500 * time.Millisecond
	}
	return e.cfg.Engine.ReadyPollInterval
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
