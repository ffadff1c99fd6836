// Package service is the process-level facade over the delivery engine.
// The daemon and the CLI fallbacks call it; nothing else owns an engine.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/g960059/agtscout/internal/clipboard"
	"github.com/g960059/agtscout/internal/config"
	"github.com/g960059/agtscout/internal/db"
	"github.com/g960059/agtscout/internal/engine"
	"github.com/g960059/agtscout/internal/heartbeat"
	"github.com/g960059/agtscout/internal/model"
	"github.com/g960059/agtscout/internal/queue"
	"github.com/g960059/agtscout/internal/surface"
	"github.com/g960059/agtscout/internal/target"
)

// AdhocKind is the message kind used by Send.
const AdhocKind = "adhoc"

// Store is a queue store with the read operations the command surface uses.
type Store interface {
	engine.QueueStore
	ListMessages(ctx context.Context, state model.MessageState, limit int) ([]model.Message, error)
	GetMessage(ctx context.Context, id string) (model.Message, error)
	Close() error
}

// OpenStore opens the JSON file store for *.json paths and SQLite otherwise.
func OpenStore(ctx context.Context, path string) (Store, error) {
	if strings.EqualFold(filepath.Ext(strings.TrimSpace(path)), ".json") {
		return queue.Open(path)
	}
	return db.OpenMigrated(ctx, path)
}

type Options struct {
	Config     config.Config
	Store      Store
	Surface    surface.TargetSurface
	Clipboard  clipboard.Clipboard
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Heartbeat  *heartbeat.Writer
}

type WindowReport struct {
	Found     bool              `json:"found"`
	Handle    surface.Handle    `json:"handle"`
	Readiness surface.Readiness `json:"readiness"`
	Error     string            `json:"error,omitempty"`
}

type Service struct {
	cfg    config.Config
	store  Store
	engine *engine.Engine
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started bool
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	eng := engine.New(engine.Deps{
		Store:     opts.Store,
		Surface:   opts.Surface,
		Clipboard: opts.Clipboard,
		Config:    opts.Config,
		Logger:    logger.Named("engine"),
		Metrics:   engine.NewMetrics(opts.Registerer),
		Heartbeat: opts.Heartbeat,
	})
	return &Service{cfg: opts.Config, store: opts.Store, engine: eng, logger: logger}
}

// NewFromConfig wires the tmux surface, tmux clipboard, store and heartbeat
// described by cfg.
func NewFromConfig(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Service, error) {
	store, err := OpenStore(ctx, cfg.QueuePath)
	if err != nil {
		return nil, err
	}
	exec := target.NewExecutor(cfg)
	return New(Options{
		Config:     cfg,
		Store:      store,
		Surface:    surface.NewTmux(exec, cfg, logger),
		Clipboard:  clipboard.NewTmux(exec),
		Logger:     logger,
		Registerer: reg,
		Heartbeat:  heartbeat.NewWriter(cfg.HeartbeatPath),
	}), nil
}

// Start launches the worker. Calling it while running is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.err = nil
	s.started = true

	go func() {
		defer close(done)
		err := s.engine.Run(ctx)
		s.mu.Lock()
		s.err = err
		s.started = false
		s.mu.Unlock()
	}()
}

// Stop cancels the worker and waits for it to exit. An in-flight dispatch
// completes first.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the current worker exits. It is nil before Start.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err reports why the worker exited on its own, e.g. a corrupt queue.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Service) Wake() {
	s.engine.Wake()
}

func (s *Service) Enqueue(ctx context.Context, kind, content string, meta map[string]string) (model.Message, error) {
	msg := model.NewMessage(kind, content, meta, time.Now())
	if _, err := s.store.Append(ctx, msg); err != nil {
		return model.Message{}, err
	}
	s.logger.Debug("message queued", zap.String("id", msg.ID), zap.String("kind", msg.Kind))
	s.Wake()
	return msg, nil
}

// Status returns the engine snapshot with the pending count read from the
// store. The snapshot is returned even when counting fails.
func (s *Service) Status(ctx context.Context) (model.Status, error) {
	st := s.engine.State().Snapshot()
	n, err := s.store.CountPending(ctx)
	if err != nil {
		return st, err
	}
	st.PendingCount = n
	return st, nil
}

func (s *Service) Window(ctx context.Context) WindowReport {
	h, r, err := s.engine.Probe(ctx)
	if err != nil {
		return WindowReport{Found: h.PaneID != "", Handle: h, Error: err.Error()}
	}
	return WindowReport{Found: true, Handle: h, Readiness: r}
}

func (s *Service) TestInject(ctx context.Context, text string) (surface.Handle, error) {
	return s.engine.InjectOnly(ctx, text)
}

// Send queues text as an ad-hoc message and delivers it immediately.
// The returned message carries the id even when delivery fails.
func (s *Service) Send(ctx context.Context, text string) (model.Message, error) {
	msg := model.NewMessage(AdhocKind, text, nil, time.Now())
	if _, err := s.store.Append(ctx, msg); err != nil {
		return model.Message{}, err
	}
	if err := s.engine.DeliverNow(ctx, msg.ID); err != nil {
		return msg, fmt.Errorf("send %s: %w", msg.ID, err)
	}
	return msg, nil
}

func (s *Service) List(ctx context.Context, state model.MessageState, limit int) ([]model.Message, error) {
	if state != "" && !state.Valid() {
		return nil, fmt.Errorf("invalid state %q", state)
	}
	return s.store.ListMessages(ctx, state, limit)
}

func (s *Service) Message(ctx context.Context, id string) (model.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// Requeue moves failed messages back to pending and wakes the worker.
func (s *Service) Requeue(ctx context.Context, ids []string) error {
	if err := s.store.Requeue(ctx, ids); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// Close stops the worker and closes the store.
func (s *Service) Close() error {
	s.Stop()
	return s.store.Close()
}
