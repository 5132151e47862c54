// ABOUTME: Routes inter-agent messages to live connections with durable-bus fallback.
// ABOUTME: Resolves capability targets through the registry exactly once, at send time.

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aetherion-ar/coordinator/internal/bus"
	"github.com/aetherion-ar/coordinator/internal/protocol"
)

// AgentSender delivers envelopes to live agent connections.
type AgentSender interface {
	SendToAgent(agentID string, v any) bool
}

// Scheduler resolves a capability to an online agent id.
type Scheduler interface {
	FindForTask(capability string) string
}

// Publisher publishes fallback messages onto the inter-agent topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// Router delivers inter-agent messages. Direct delivery over a live
// connection is preferred; when the target agent is not connected the message
// is published to the inter-agent topic for eventual delivery, at the cost of
// at-least-once semantics.
type Router struct {
	agents    AgentSender
	scheduler Scheduler
	publisher Publisher
	logger    *slog.Logger
}

// New creates a Router.
func New(agents AgentSender, scheduler Scheduler, publisher Publisher, logger *slog.Logger) *Router {
	return &Router{
		agents:    agents,
		scheduler: scheduler,
		publisher: publisher,
		logger:    logger,
	}
}

// Outcome reports how a message was handled.
type Outcome int

const (
	// NotRouted means no target could be determined or the fallback publish
	// failed.
	NotRouted Outcome = iota
	// DeliveredLive means the message reached a live agent connection.
	DeliveredLive
	// QueuedOnBus means the message was published to the inter-agent topic
	// for eventual delivery.
	QueuedOnBus
)

// Route delivers the message and reports success. Both the live-connection
// path and the bus-published path are terminal successes; only "no agent owns
// this capability", "no target specified", and a failed fallback publish are
// failures.
func (r *Router) Route(ctx context.Context, msg *protocol.InterAgentMessage) bool {
	return r.Deliver(ctx, msg) != NotRouted
}

// Deliver is Route with the delivery path exposed, for callers that need to
// distinguish a live send from a bus requeue.
func (r *Router) Deliver(ctx context.Context, msg *protocol.InterAgentMessage) Outcome {
	if msg.TargetAgentID == "" {
		if msg.TargetCapability == "" {
			r.logger.Warn("inter-agent message has no target", "source", msg.SourceAgentID)
			return NotRouted
		}

		// Capability-addressed messages are never queued speculatively:
		// without a concrete owner there is no guarantee which future agent
		// should receive the backlog.
		agentID := r.scheduler.FindForTask(msg.TargetCapability)
		if agentID == "" {
			r.logger.Warn("no agent found for capability",
				"capability", msg.TargetCapability,
				"source", msg.SourceAgentID,
			)
			return NotRouted
		}
		msg.TargetAgentID = agentID
	}

	if r.agents.SendToAgent(msg.TargetAgentID, msg) {
		return DeliveredLive
	}

	if err := r.publishFallback(ctx, msg); err != nil {
		r.logger.Error("inter-agent fallback publish failed",
			"target", msg.TargetAgentID,
			"error", err,
		)
		return NotRouted
	}

	r.logger.Debug("inter-agent message queued on bus",
		"source", msg.SourceAgentID,
		"target", msg.TargetAgentID,
		"type", msg.MessageType,
	)
	return QueuedOnBus
}

func (r *Router) publishFallback(ctx context.Context, msg *protocol.InterAgentMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding inter-agent message: %w", err)
	}
	return r.publisher.Publish(ctx, bus.TopicInterAgent, body)
}
