package aggregator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/malbeclabs/kinesis-aggregator/internal/metrics"
	"github.com/malbeclabs/kinesis-aggregator/internal/wire"
)

// PublishError reports a flushed message that the sink did not accept. The buffer it came from
// has already been cleared.
type PublishError struct {
	Stream  string
	Records int
	Bytes   int
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %d records (%d bytes) for stream %s: %v", e.Records, e.Bytes, e.Stream, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Stats holds cumulative engine counters since construction.
type Stats struct {
	RecordsInserted uint64
	Flushes         uint64
	Published       uint64
	PublishFailures uint64
}

// Engine buffers records per stream and flushes each stream's buffer to the sink as one
// aggregated message.
//
// A single mutex guards every buffer, and sink publishes run while it is held, so a slow publish
// for one stream delays inserts for all others.
//
// TODO: shard the lock per stream name so a slow publish only blocks its own stream.
type Engine struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	buffers map[string]*StreamBuffer

	recordsInserted atomic.Uint64
	flushes         atomic.Uint64
	published       atomic.Uint64
	publishFailures atomic.Uint64
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Engine{
		log:     cfg.Logger,
		cfg:     cfg,
		buffers: make(map[string]*StreamBuffer),
	}, nil
}

// Insert buffers rec for stream, accounting declaredSize against the buffer cap.
//
// If the stream already has buffered records and adding declaredSize would exceed the cap, the
// existing buffer is flushed first and rec starts a new one. If the buffer lands exactly on the
// cap after adding rec, it is flushed immediately. A record larger than the cap is still accepted
// into an empty buffer. A negative declaredSize counts as zero. Publish failures from either flush
// are logged and counted, not returned; the caller's cancellation does not abort them.
func (e *Engine) Insert(ctx context.Context, stream string, rec Record, declaredSize int64) {
	ctx = context.WithoutCancel(ctx)
	declaredSize = max(declaredSize, 0)

	e.mu.Lock()
	defer e.mu.Unlock()

	// Compared against the remaining room so a huge declared size cannot overflow the sum.
	if buf, ok := e.buffers[stream]; ok && declaredSize > e.cfg.MaxBufferSize-buf.currentSize {
		_ = e.flushLocked(ctx, stream, metrics.FlushReasonSizeExceeded)
	}

	buf, ok := e.buffers[stream]
	if !ok {
		buf = newStreamBuffer()
		e.buffers[stream] = buf
		metrics.BufferedStreams.Inc()
	}
	buf.add(rec, declaredSize)

	e.recordsInserted.Add(1)
	metrics.RecordsInserted.Inc()
	metrics.DeclaredBytes.Add(float64(declaredSize))

	if buf.currentSize == e.cfg.MaxBufferSize {
		_ = e.flushLocked(ctx, stream, metrics.FlushReasonSizeReached)
	}
}

// Flush publishes the buffer for stream, if any. It is a no-op for a stream with nothing buffered.
func (e *Engine) Flush(ctx context.Context, stream string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked(ctx, stream, metrics.FlushReasonExplicit)
}

// FlushAll publishes every buffered stream. Publishes run concurrently, and one stream's failure
// does not prevent the others from being published. The returned error joins every failure.
func (e *Engine) FlushAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.buffers) == 0 {
		return nil
	}

	type pending struct {
		stream  string
		records int
		data    []byte
	}
	streams := make([]string, 0, len(e.buffers))
	for stream := range e.buffers {
		streams = append(streams, stream)
	}
	slices.Sort(streams)

	msgs := make([]pending, 0, len(streams))
	for _, stream := range streams {
		buf := e.takeLocked(stream)
		data := e.encode(stream, buf, metrics.FlushReasonFlushAll)
		msgs = append(msgs, pending{stream: stream, records: len(buf.records), data: data})
	}

	var (
		errsMu sync.Mutex
		errs   []error
	)
	pool := pond.NewPool(min(e.cfg.FlushConcurrency, len(msgs)))
	for _, m := range msgs {
		pool.Submit(func() {
			if err := e.publish(ctx, m.stream, m.records, m.data); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
		})
	}
	pool.StopAndWait()

	return errors.Join(errs...)
}

// Snapshot returns a copy of the buffer for stream.
func (e *Engine) Snapshot(stream string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.buffers[stream]
	if !ok {
		return Snapshot{}, false
	}
	return buf.snapshot(), true
}

// Streams returns the names of streams with buffered records, sorted.
func (e *Engine) Streams() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.buffers))
	for stream := range e.buffers {
		out = append(out, stream)
	}
	slices.Sort(out)
	return out
}

// Stats returns the engine's cumulative counters.
func (e *Engine) Stats() Stats {
	return Stats{
		RecordsInserted: e.recordsInserted.Load(),
		Flushes:         e.flushes.Load(),
		Published:       e.published.Load(),
		PublishFailures: e.publishFailures.Load(),
	}
}

func (e *Engine) flushLocked(ctx context.Context, stream, reason string) error {
	buf := e.takeLocked(stream)
	if buf == nil {
		return nil
	}
	data := e.encode(stream, buf, reason)
	return e.publish(ctx, stream, len(buf.records), data)
}

func (e *Engine) takeLocked(stream string) *StreamBuffer {
	buf, ok := e.buffers[stream]
	if !ok {
		return nil
	}
	delete(e.buffers, stream)
	metrics.BufferedStreams.Dec()
	return buf
}

func (e *Engine) encode(stream string, buf *StreamBuffer, reason string) []byte {
	data := wire.Marshal(buf.message())

	e.flushes.Add(1)
	metrics.Flushes.WithLabelValues(reason).Inc()
	metrics.FlushedRecords.Add(float64(len(buf.records)))
	metrics.EncodedBytes.Add(float64(len(data)))

	e.log.Debug("flushing stream buffer",
		"stream", stream,
		"reason", reason,
		"records", len(buf.records),
		"partitionKeys", len(buf.partitionKeyTable),
		"explicitHashKeys", len(buf.explicitHashKeyTable),
		"declaredSize", buf.currentSize,
		"bytes", len(data),
		"data", hex.EncodeToString(data),
	)
	return data
}

func (e *Engine) publish(ctx context.Context, stream string, records int, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	defer cancel()

	name := e.cfg.Sink.Name()
	start := time.Now()
	err := e.cfg.Sink.Publish(ctx, stream, data)
	metrics.PublishDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		e.publishFailures.Add(1)
		metrics.PublishOutcomes.WithLabelValues(name, "error").Inc()
		e.log.Error("failed to publish aggregated record",
			"stream", stream, "sink", name, "records", records, "bytes", len(data), "error", err,
		)
		return &PublishError{Stream: stream, Records: records, Bytes: len(data), Err: err}
	}

	e.published.Add(1)
	metrics.PublishOutcomes.WithLabelValues(name, "ok").Inc()
	return nil
}
