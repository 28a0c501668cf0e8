// Package lifecycle coordinates graceful shutdown of the ingestion endpoint and the final flush of
// the aggregation engine.
//
// Shutdown runs in a fixed order: stop accepting connections, drain in-flight requests, then flush
// every buffered stream exactly once. Flushing before the drain completes could drop records that
// were accepted concurrently. If the drain times out, a second flush picks up records inserted by
// requests that were still running during the first one.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	defaultDrainTimeout = 10 * time.Second
	defaultFlushTimeout = 30 * time.Second
)

type Server interface {
	Serve(ctx context.Context, listener net.Listener) error
	Shutdown(ctx context.Context) error
}

type Flusher interface {
	FlushAll(ctx context.Context) error
}

type Config struct {
	Logger   *slog.Logger
	Server   Server
	Flusher  Flusher
	Listener net.Listener

	// Optional with defaults.
	DrainTimeout time.Duration
	FlushTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Server == nil {
		return errors.New("server is required")
	}
	if c.Flusher == nil {
		return errors.New("flusher is required")
	}
	if c.Listener == nil {
		return errors.New("listener is required")
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	return nil
}

type Controller struct {
	log *slog.Logger
	cfg Config

	// stop carries at most one shutdown request. Its value is an optional deadline for the whole
	// shutdown sequence.
	stop     chan time.Time
	stopOnce sync.Once
	runOnce  sync.Once
	done     chan struct{}
}

func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Controller{
		log:  cfg.Logger,
		cfg:  cfg,
		stop: make(chan time.Time, 1),
		done: make(chan struct{}),
	}, nil
}

// Stop requests shutdown. Only the first call has an effect and it reports whether it was that
// call. A non-zero deadline caps the time allowed for the final flush.
func (c *Controller) Stop(deadline time.Time) bool {
	sent := false
	c.stopOnce.Do(func() {
		c.stop <- deadline
		sent = true
	})
	return sent
}

// Done is closed once Run has finished the final flush.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Run serves the listener until ctx is done, Stop is called, or the server fails. It then drains
// the server and flushes all buffered streams once. A failed flush does not stop Run from
// completing; every error encountered is returned joined. Run may only be called once.
func (c *Controller) Run(ctx context.Context) error {
	err := errors.New("controller already ran")
	c.runOnce.Do(func() {
		err = c.run(ctx)
	})
	return err
}

func (c *Controller) run(ctx context.Context) error {
	defer close(c.done)

	serveCh := make(chan error, 1)
	go func() {
		serveCh <- c.cfg.Server.Serve(ctx, c.cfg.Listener)
	}()

	var (
		deadline time.Time
		serveErr error
		served   bool
	)
	select {
	case <-ctx.Done():
		c.log.Info("context done, shutting down")
	case deadline = <-c.stop:
		c.log.Info("shutdown requested", "deadline", deadline)
	case serveErr = <-serveCh:
		served = true
		if serveErr != nil {
			c.log.Error("server exited with error", "error", serveErr)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.DrainTimeout)
	shutdownErr := c.cfg.Server.Shutdown(drainCtx)
	cancel()
	if shutdownErr != nil {
		c.log.Warn("listener did not drain cleanly", "error", shutdownErr)
		shutdownErr = fmt.Errorf("failed to drain server: %w", shutdownErr)
	}
	if !served {
		serveErr = <-serveCh
	}
	if serveErr != nil {
		serveErr = fmt.Errorf("server exited: %w", serveErr)
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flushTimeout(deadline))
	defer cancel()
	start := time.Now()
	flushErr := c.cfg.Flusher.FlushAll(flushCtx)
	if flushErr != nil {
		c.log.Error("final flush failed", "error", flushErr, "duration", time.Since(start))
		flushErr = fmt.Errorf("failed to flush buffered streams: %w", flushErr)
	} else {
		c.log.Info("final flush complete", "duration", time.Since(start))
	}

	// Requests still running after a failed drain may have inserted during the flush above.
	var lateErr error
	if shutdownErr != nil {
		c.log.Warn("requests still in flight after drain; flushing again, records inserted after this are lost")
		if lateErr = c.cfg.Flusher.FlushAll(flushCtx); lateErr != nil {
			c.log.Error("late flush failed", "error", lateErr)
			lateErr = fmt.Errorf("failed to flush records from in-flight requests: %w", lateErr)
		}
	}

	return errors.Join(serveErr, shutdownErr, flushErr, lateErr)
}

func (c *Controller) flushTimeout(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return c.cfg.FlushTimeout
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return time.Millisecond
	}
	return min(remaining, c.cfg.FlushTimeout)
}
