// ABOUTME: Redis Streams implementation of the Bus interface.
// ABOUTME: XADD for publish, consumer-group XREADGROUP/XACK for at-least-once consumption.

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// bodyField is the single stream entry field carrying the JSON envelope.
const bodyField = "body"

// RedisBus is a Bus backed by Redis Streams. Each topic is one stream named
// prefix+topic, capped at an approximate maximum length. Consumption uses one
// consumer group per coordinator deployment, so messages published while no
// coordinator is running are delivered once one starts.
type RedisBus struct {
	client   *redis.Client
	prefix   string
	group    string
	consumer string
	maxLen   int64
	block    time.Duration
	logger   *slog.Logger
}

// RedisConfig configures a RedisBus.
type RedisConfig struct {
	Client      *redis.Client
	TopicPrefix string
	Group       string
	Consumer    string
	MaxLen      int64         // approximate per-stream cap, 0 means unbounded
	Block       time.Duration // XREADGROUP block timeout, 0 means 5s
}

// NewRedisBus creates a RedisBus on an existing client. The client is pinged
// so misconfiguration surfaces at startup rather than on first publish.
func NewRedisBus(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Group == "" {
		return nil, errors.New("consumer group is required")
	}
	if err := cfg.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	block := cfg.Block
	if block == 0 {
		block = 5 * time.Second
	}
	return &RedisBus{
		client:   cfg.Client,
		prefix:   cfg.TopicPrefix,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		maxLen:   cfg.MaxLen,
		block:    block,
		logger:   logger,
	}, nil
}

// Publish appends the body to the topic's stream.
func (b *RedisBus) Publish(ctx context.Context, topic string, body []byte) error {
	args := &redis.XAddArgs{
		Stream: b.stream(topic),
		Values: map[string]any{bodyField: body},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Consume reads the topic's stream through the consumer group until ctx is
// cancelled. Every delivered entry is acknowledged after the handler returns,
// including entries the handler rejected: a malformed message is logged and
// skipped, never redelivered forever.
func (b *RedisBus) Consume(ctx context.Context, topic string, handler Handler) error {
	stream := b.stream(topic)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return err
	}

	// Entries delivered to this consumer but never acked (a previous run shut
	// down mid-handler) are drained before new messages.
	readID := "0"

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{stream, readID},
			Count:    16,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block timeout, poll again
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Error("bus read failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		delivered := 0
		for _, str := range res {
			for _, msg := range str.Messages {
				delivered++
				b.handleEntry(ctx, topic, stream, msg, handler)
			}
		}
		if readID != ">" && delivered == 0 {
			readID = ">" // backlog drained, switch to new messages
		}
	}
}

// handleEntry invokes the handler for one stream entry and acks it. Entries
// whose handler was cut short by cancellation stay pending, so the consumer
// group redelivers them on the next run.
func (b *RedisBus) handleEntry(ctx context.Context, topic, stream string, msg redis.XMessage, handler Handler) {
	if body, ok := msg.Values[bodyField].(string); ok {
		err := handler(ctx, []byte(body))
		if !ackable(err) {
			return
		}
		if err != nil {
			b.logger.Error("bus message handler failed", "topic", topic, "id", msg.ID, "error", err)
		}
	} else {
		b.logger.Error("bus message missing body field", "topic", topic, "id", msg.ID)
	}

	if err := b.client.XAck(ctx, stream, b.group, msg.ID).Err(); err != nil {
		b.logger.Error("bus ack failed", "topic", topic, "id", msg.ID, "error", err)
	}
}

// ackable reports whether a handler outcome still allows acknowledging the
// entry. Malformed messages are acked and skipped so they cannot wedge the
// loop; cancellation means the message was never fully processed.
func ackable(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ensureGroup creates the consumer group at the stream tail, tolerating the
// group already existing.
func (b *RedisBus) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group for %s: %w", stream, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) stream(topic string) string {
	return b.prefix + topic
}
