package aggregator

import (
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/kinesis-aggregator/internal/sink"
)

const (
	defaultPublishTimeout   = 5 * time.Second
	defaultFlushConcurrency = 4
)

type Config struct {
	Logger *slog.Logger
	Sink   sink.Sink

	// MaxBufferSize is the per-stream declared size at which a buffer is flushed.
	MaxBufferSize int64

	// Optional with defaults.
	PublishTimeout   time.Duration
	FlushConcurrency int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Sink == nil {
		return errors.New("sink is required")
	}
	if c.MaxBufferSize <= 0 {
		return errors.New("max buffer size must be > 0")
	}

	if c.PublishTimeout == 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.PublishTimeout < 0 {
		return errors.New("publish timeout must be > 0")
	}
	if c.FlushConcurrency == 0 {
		c.FlushConcurrency = defaultFlushConcurrency
	}
	if c.FlushConcurrency < 0 {
		return errors.New("flush concurrency must be > 0")
	}
	return nil
}
