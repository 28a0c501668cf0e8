package server

import (
	"context"
	"errors"
	"time"

	"github.com/malbeclabs/kinesis-aggregator/internal/aggregator"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxBodySize     = 5 << 20 // 5 MiB
)

// Engine is the part of the aggregation engine the ingestion endpoint feeds.
type Engine interface {
	Insert(ctx context.Context, stream string, rec aggregator.Record, declaredSize int64)
}

type Config struct {
	Engine Engine

	// Optional configuration.
	ShutdownTimeout time.Duration
	MaxBodySize     int64
}

func (c *Config) Validate() error {
	if c.Engine == nil {
		return errors.New("engine is required")
	}

	// Optional configuration.
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	return nil
}
