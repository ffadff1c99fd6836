// Package daemon serves the delivery service over HTTP on a unix socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/g960059/agtscout/internal/api"
	"github.com/g960059/agtscout/internal/config"
	"github.com/g960059/agtscout/internal/model"
	"github.com/g960059/agtscout/internal/service"
)

const maxRequestBytes int64 = 4 << 20

type Server struct {
	cfg      config.Config
	svc      *service.Service
	logger   *zap.Logger
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File
	pidFile  string

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

// NewServer wires the routes. gatherer backs /metrics and may be nil.
func NewServer(cfg config.Config, svc *service.Service, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/messages", s.messagesHandler)
	mux.HandleFunc("/v1/messages/requeue", s.requeueHandler)
	mux.HandleFunc("/v1/messages/", s.messageByIDHandler)
	mux.HandleFunc("/v1/wake", s.wakeHandler)
	mux.HandleFunc("/v1/window", s.windowHandler)
	mux.HandleFunc("/v1/test", s.testHandler)
	mux.HandleFunc("/v1/send", s.sendHandler)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start takes the instance lock, records the pid, starts the delivery
// worker and serves until ctx is cancelled or the worker exits with an error.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()       //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if err := WritePID(s.cfg.PIDPath, os.Getpid()); err != nil {
		s.logger.Warn("pid file not written", zap.String("path", s.cfg.PIDPath), zap.Error(err))
	} else {
		s.pidFile = s.cfg.PIDPath
	}

	s.svc.Start()
	workerDone := s.svc.Done()
	s.logger.Info("daemon listening", zap.String("socket", s.cfg.SocketPath), zap.Int("pid", os.Getpid()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case <-workerDone:
		werr := s.svc.Err()
		_ = s.Shutdown(context.Background())
		if werr != nil {
			return fmt.Errorf("delivery worker stopped: %w", werr)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.svc.Stop()
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if s.pidFile != "" {
			if err := RemovePID(s.pidFile, os.Getpid()); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
		s.logger.Info("daemon stopped")
	})
	return s.shutdownErr
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

// writeServiceError maps a wrapped model sentinel to status and code.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	code := model.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case model.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	case model.CodeRefInvalid:
		status = http.StatusBadRequest
	case model.CodeTargetNotFound, model.CodeRefNotFound:
		status = http.StatusNotFound
	case model.CodeReadinessTimeout:
		status = http.StatusConflict
	case model.CodeInjectionFailed, model.CodeSendUnconfirmed:
		status = http.StatusBadGateway
	}
	if status >= 500 {
		s.logger.Warn("request failed", zap.String("code", code), zap.Error(err))
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.CodeRefInvalid, "method not allowed")
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "invalid request body")
		return false
	}
	return true
}
