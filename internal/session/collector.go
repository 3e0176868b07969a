package session

import (
	"context"
	"sync"

	"github.com/whispergate/whispergate/internal/protocol"
)

// Collector is an in-memory Transport. The batch endpoint runs a whole file
// through a session with a Collector attached and reads the accumulated
// events back once the session closes.
type Collector struct {
	mu     sync.Mutex
	events []protocol.Event
	reason string
	closed chan struct{}
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{
		closed: make(chan struct{}),
	}
}

// SendEvent appends the event to the in-memory log
func (c *Collector) SendEvent(_ context.Context, ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// Close records the closure reason and unblocks Wait
func (c *Collector) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return nil
	default:
	}

	c.reason = reason
	close(c.closed)
	return nil
}

// Wait blocks until the session closes the collector or the context expires
func (c *Collector) Wait(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns a copy of the accumulated events
func (c *Collector) Events() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Reason returns the closure reason recorded by Close
func (c *Collector) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
