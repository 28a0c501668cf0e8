package sink

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
)

// Log writes each message to a logger instead of a backend.
type Log struct {
	log   *slog.Logger
	level slog.Level
}

func NewLog(log *slog.Logger, level slog.Level) (*Log, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &Log{log: log, level: level}, nil
}

func (l *Log) Name() string { return "log" }

func (l *Log) Publish(ctx context.Context, destination string, data []byte) error {
	l.log.Log(ctx, l.level, "dumped aggregated record",
		"destination", destination,
		"bytes", len(data),
		"data", hex.EncodeToString(data),
	)
	return nil
}
