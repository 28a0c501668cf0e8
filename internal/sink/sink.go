// Package sink delivers encoded aggregated messages to a destination.
package sink

import (
	"context"
)

// Sink publishes one encoded aggregated message to a named destination (a stream, topic or key
// namespace, depending on the backend).
type Sink interface {
	Name() string
	Publish(ctx context.Context, destination string, data []byte) error
}
