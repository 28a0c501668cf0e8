package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

type Server struct {
	log *slog.Logger
	cfg Config

	handler *Handler
	httpSrv *http.Server

	draining     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

func New(log *slog.Logger, cfg Config) (*Server, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:  log,
		cfg:  cfg,
		done: make(chan struct{}),
	}
	h, err := NewHandler(log, cfg, s.Draining)
	if err != nil {
		return nil, err
	}
	s.handler = h

	mux := http.NewServeMux()
	h.Register(mux)
	s.httpSrv = &http.Server{Handler: mux}

	return s, nil
}

// Start serves in the background for callers that run the endpoint on its own, without a
// lifecycle controller. cancel is called when serving stops, and the returned channel receives
// the serve error, if any, before it is closed.
func (s *Server) Start(ctx context.Context, cancel context.CancelFunc, listener net.Listener) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer cancel()
		if err := s.Serve(ctx, listener); err != nil {
			s.log.Error("server exited with error", "error", err)
			errCh <- err
		} else {
			s.log.Info("server stopped")
		}
	}()

	return errCh
}

// Serve accepts connections on listener until ctx is done or Shutdown is called. In-flight
// requests are allowed to finish before it returns.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	served := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.shutdownOnDone(ctx, served)
	}()

	err := s.httpSrv.Serve(listener)
	close(served)
	wg.Wait()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// shutdownOnDone shuts the server down when ctx is done. It returns without doing so once
// Shutdown has been called or served is closed.
func (s *Server) shutdownOnDone(ctx context.Context, served <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-s.done:
		return
	case <-served:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	_ = s.Shutdown(ctx)
}

// Shutdown stops accepting new connections and waits for in-flight requests until ctx is done.
// Only the first call does any work; later calls return its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
		s.draining.Store(true)
		s.log.Info("draining ingestion endpoint")
		s.shutdownErr = s.httpSrv.Shutdown(ctx)
	})
	return s.shutdownErr
}

// Draining reports whether shutdown has begun.
func (s *Server) Draining() bool {
	return s.draining.Load()
}
