package sink

import (
	"context"
	"slices"
	"sync"
)

// Capture accumulates published messages in memory, per destination. It is used by tests.
type Capture struct {
	mu       sync.Mutex
	messages map[string][][]byte
	output   []byte
	err      error
}

func NewCapture() *Capture {
	return &Capture{messages: make(map[string][][]byte)}
}

func (c *Capture) Name() string { return "capture" }

func (c *Capture) Publish(ctx context.Context, destination string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	msg := append([]byte(nil), data...)
	c.messages[destination] = append(c.messages[destination], msg)
	c.output = append(c.output, data...)
	return nil
}

// FailWith makes subsequent publishes return err without capturing. A nil err restores capturing.
func (c *Capture) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Messages returns the messages published to destination, in publish order.
func (c *Capture) Messages(destination string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.messages[destination]))
	for i, m := range c.messages[destination] {
		out[i] = append([]byte(nil), m...)
	}
	return out
}

// Output returns every published byte across all destinations, concatenated in publish order.
func (c *Capture) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.output...)
}

func (c *Capture) Destinations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.messages))
	for d := range c.messages {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

func (c *Capture) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, msgs := range c.messages {
		n += len(msgs)
	}
	return n
}

func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make(map[string][][]byte)
	c.output = nil
}
