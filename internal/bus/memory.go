// ABOUTME: In-process Bus implementation with buffered per-topic queues.
// ABOUTME: Serves tests and --dev runs where no Redis deployment exists.

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("bus is closed")

// MemoryBus is a Bus that keeps per-topic buffered channels in memory. It
// matches RedisBus consumption semantics (messages published before a
// consumer attaches are retained, handler errors are logged and skipped) but
// offers no durability across restarts.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]chan []byte
	closed bool
	logger *slog.Logger
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]chan []byte),
		logger: logger,
	}
}

// Publish appends the body to the topic's queue. It never blocks: if the
// queue is full the oldest message is dropped, which only matters in tests
// that deliberately flood a topic.
func (b *MemoryBus) Publish(_ context.Context, topic string, body []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	ch := b.topic(topic)
	b.mu.Unlock()

	for {
		select {
		case ch <- body:
			return nil
		default:
			select {
			case <-ch: // shed oldest
			default:
			}
		}
	}
}

// Consume invokes handler for each message on the topic until ctx is
// cancelled.
func (b *MemoryBus) Consume(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	ch := b.topic(topic)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case body := <-ch:
			if err := handler(ctx, body); err != nil {
				b.logger.Error("bus message handler failed", "topic", topic, "error", err)
			}
		}
	}
}

// Pending returns the number of undelivered messages on a topic.
func (b *MemoryBus) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topic(topic))
}

// Close marks the bus closed; subsequent publishes fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// topic returns the channel for a topic, creating it if needed.
// Callers must hold mu.
func (b *MemoryBus) topic(name string) chan []byte {
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan []byte, 256)
		b.topics[name] = ch
	}
	return ch
}
