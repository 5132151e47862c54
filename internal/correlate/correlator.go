// ABOUTME: Long-lived per-topic bus consumers that turn results into response envelopes.
// ABOUTME: Pushes results to the originating client if still connected, else drops them.

package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aetherion-ar/coordinator/internal/bus"
	"github.com/aetherion-ar/coordinator/internal/dedupe"
	"github.com/aetherion-ar/coordinator/internal/journal"
	"github.com/aetherion-ar/coordinator/internal/protocol"
	"github.com/aetherion-ar/coordinator/internal/router"
)

// Pools is the connection-manager surface the correlator needs.
type Pools interface {
	SendToUser(userID string, v any) bool
	IsAgentConnected(agentID string) bool
	BroadcastToAgents(v any)
}

// resultSpec maps one result topic to the response envelope it produces.
type resultSpec struct {
	message string
	fields  []string // message fields copied into the response data
}

// resultSpecs covers the job result topics. The bodies are produced by
// agents; absent fields simply stay out of the response.
var resultSpecs = map[string]resultSpec{
	bus.TopicTextToScene: {
		message: "text to scene conversion completed",
		fields:  []string{"scene_params", "recommendations"},
	},
	bus.TopicAssetGeneration: {
		message: "asset generation completed",
		fields:  []string{"assets", "metadata"},
	},
	bus.TopicRendering: {
		message: "rendering completed",
		fields:  []string{"scene_url", "render_options", "preview_image"},
	},
	bus.TopicSentiment: {
		message: "sentiment analysis completed",
		fields:  []string{"sentiment", "engagement_metrics"},
	},
}

// Correlator runs one consumer goroutine per topic. Result delivery to
// clients is at-most-once and non-durable: a result addressed to a client
// that is no longer connected is dropped. Only the inter-agent path retries.
type Correlator struct {
	bus     bus.Bus
	pools   Pools
	router  *router.Router
	replays *dedupe.Cache
	journal *journal.Journal // may be nil
	logger  *slog.Logger

	// requeueDelay throttles re-publication of inter-agent messages whose
	// target is still offline, so the backlog does not spin hot.
	requeueDelay time.Duration

	wg sync.WaitGroup
}

// New creates a Correlator. journal may be nil.
func New(b bus.Bus, pools Pools, rt *router.Router, replays *dedupe.Cache, jl *journal.Journal, logger *slog.Logger) *Correlator {
	return &Correlator{
		bus:          b,
		pools:        pools,
		router:       rt,
		replays:      replays,
		journal:      jl,
		logger:       logger,
		requeueDelay: 500 * time.Millisecond,
	}
}

// Start launches every topic consumer. Consumers run until ctx is cancelled;
// Wait blocks until they have all returned.
func (c *Correlator) Start(ctx context.Context) {
	for topic, spec := range resultSpecs {
		c.consume(ctx, topic, c.resultHandler(topic, spec))
	}
	c.consume(ctx, bus.TopicContextUpdate, c.handleContextUpdate)
	c.consume(ctx, bus.TopicInterAgent, c.handleInterAgent)
	c.consume(ctx, bus.TopicAgentRegistry, c.handleRegistryEvent)
}

// Wait blocks until all consumer goroutines have exited.
func (c *Correlator) Wait() {
	c.wg.Wait()
}

func (c *Correlator) consume(ctx context.Context, topic string, handler bus.Handler) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.bus.Consume(ctx, topic, handler); err != nil && ctx.Err() == nil {
			c.logger.Error("topic consumer stopped", "topic", topic, "error", err)
		}
	}()
}

// resultHandler builds the handler for one job result topic: decode, build
// the correlated response, push it to the embedded user_id if connected.
func (c *Correlator) resultHandler(topic string, spec resultSpec) bus.Handler {
	return func(ctx context.Context, body []byte) error {
		var message map[string]any
		if err := json.Unmarshal(body, &message); err != nil {
			return fmt.Errorf("decoding result on %s: %w", topic, err)
		}

		requestID, _ := message["request_id"].(string)
		userID, _ := message["user_id"].(string)
		if requestID == "" {
			return fmt.Errorf("result on %s has no request_id", topic)
		}

		if c.journal != nil {
			if err := c.journal.RecordCompletion(ctx, requestID); err != nil {
				c.logger.Error("job journal completion failed", "request_id", requestID, "error", err)
			}
		}

		resp := protocol.NewResponse(requestID, pick(message, spec.fields))
		resp.Message = spec.message

		if userID == "" || !c.pools.SendToUser(userID, resp) {
			c.logger.Debug("result dropped, client not connected",
				"topic", topic,
				"request_id", requestID,
				"user_id", userID,
			)
		}
		return nil
	}
}

// handleContextUpdate observes context-change notifications. Clients are not
// notified; the write was already acknowledged synchronously.
func (c *Correlator) handleContextUpdate(_ context.Context, body []byte) error {
	var message struct {
		UserID    string `json:"user_id"`
		ContextID string `json:"context_id"`
	}
	if err := json.Unmarshal(body, &message); err != nil {
		return fmt.Errorf("decoding context update: %w", err)
	}
	c.logger.Debug("context updated", "user_id", message.UserID, "context_id", message.ContextID)
	return nil
}

// handleInterAgent drains the inter-agent fallback topic. Messages whose
// target is connected are delivered once, with replays suppressed; messages
// whose target is still offline are re-queued after a short delay so they
// remain pending until the agent returns.
func (c *Correlator) handleInterAgent(ctx context.Context, body []byte) error {
	var msg protocol.InterAgentMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decoding inter-agent message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	key := dedupe.MessageKey(&msg)
	if msg.TargetAgentID != "" && c.pools.IsAgentConnected(msg.TargetAgentID) {
		if c.replays.Seen(key) {
			c.logger.Debug("dropping replayed inter-agent message",
				"source", msg.SourceAgentID,
				"target", msg.TargetAgentID,
			)
			return nil
		}
	} else {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.requeueDelay):
		}
	}

	// The key is marked only after a live send: a message that fell back to
	// the bus must survive its next pass through this handler.
	switch c.router.Deliver(ctx, &msg) {
	case router.DeliveredLive:
		c.replays.Mark(key)
	case router.QueuedOnBus:
	case router.NotRouted:
		return fmt.Errorf("routing inter-agent message from %s failed", msg.SourceAgentID)
	}
	return nil
}

// handleRegistryEvent fans registry changes out to every connected agent.
func (c *Correlator) handleRegistryEvent(_ context.Context, body []byte) error {
	var event struct {
		Event     string         `json:"event"`
		AgentID   string         `json:"agent_id"`
		AgentInfo map[string]any `json:"agent_info"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("decoding registry event: %w", err)
	}
	if event.Event == "" {
		return fmt.Errorf("registry event has no event field")
	}

	notification := &protocol.Notification{
		NotificationType: event.Event,
		AgentID:          event.AgentID,
		Data:             event.AgentInfo,
		Timestamp:        time.Now().UTC(),
	}
	c.pools.BroadcastToAgents(notification)
	return nil
}

// pick copies the named fields that are present in message.
func pick(message map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		if v, ok := message[field]; ok {
			out[field] = v
		}
	}
	return out
}
