package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/malbeclabs/kinesis-aggregator/internal/metrics"
)

const (
	defaultMaxTries        = 5
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second

	errorTypeInit      = "Extension.InitFailed"
	errorTypeNextEvent = "Extension.NextEventFailed"
)

type API interface {
	Register(ctx context.Context) (*RegisterResponse, error)
	NextEvent(ctx context.Context) (*Event, error)
	InitError(ctx context.Context, errorType string, cause error) error
	ExitError(ctx context.Context, errorType string, cause error) error
}

// Stopper is told once the environment starts shutting down. The deadline is when the
// environment will terminate the process.
type Stopper interface {
	Stop(deadline time.Time) bool
}

type RunnerConfig struct {
	Logger *slog.Logger
	API    API

	// Optional with defaults.
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c *RunnerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.API == nil {
		return errors.New("extension api is required")
	}
	if c.MaxTries == 0 {
		c.MaxTries = defaultMaxTries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultMaxInterval
	}
	return nil
}

type Runner struct {
	log *slog.Logger
	cfg RunnerConfig

	registered bool
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate runner config: %w", err)
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

// Register registers the extension, retrying with exponential backoff.
func (r *Runner) Register(ctx context.Context) error {
	reg, err := retry(ctx, r, "register", r.cfg.API.Register)
	if err != nil {
		return fmt.Errorf("failed to register extension: %w", err)
	}
	r.registered = true
	r.log.Info("registered lambda extension", "functionName", reg.FunctionName, "functionVersion", reg.FunctionVersion)
	return nil
}

// ReportInitError tells the environment that initialization failed after registration.
func (r *Runner) ReportInitError(ctx context.Context, cause error) {
	if !r.registered {
		return
	}
	if err := r.cfg.API.InitError(ctx, errorTypeInit, cause); err != nil {
		r.log.Warn("failed to report init error", "error", err)
	}
}

// Run waits for events until the environment announces shutdown, at which point it stops stopper
// and returns. It registers first if Register has not been called. It returns nil when ctx is done
// first.
func (r *Runner) Run(ctx context.Context, stopper Stopper) error {
	if !r.registered {
		if err := r.Register(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	for {
		ev, err := retry(ctx, r, "next event", r.cfg.API.NextEvent)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if eerr := r.cfg.API.ExitError(context.WithoutCancel(ctx), errorTypeNextEvent, err); eerr != nil {
				r.log.Warn("failed to report exit error", "error", eerr)
			}
			return fmt.Errorf("failed to get next extension event: %w", err)
		}
		metrics.ExtensionEvents.WithLabelValues(string(ev.EventType)).Inc()

		switch ev.EventType {
		case EventShutdown:
			r.log.Info("lambda environment shutting down", "reason", ev.ShutdownReason, "deadline", ev.Deadline())
			stopper.Stop(ev.Deadline())
			return nil
		case EventInvoke:
			r.log.Debug("lambda invoke", "requestID", ev.RequestID)
		default:
			r.log.Warn("ignoring unknown extension event", "eventType", ev.EventType)
		}
	}
}

func retry[T any](ctx context.Context, r *Runner, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		if attempt > 0 {
			r.log.Warn("extension api call failed, retrying", "op", op, "attempt", attempt)
		}
		attempt++
		v, err := fn(ctx)
		if errors.Is(err, ErrNotRegistered) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.cfg.MaxTries))
}
