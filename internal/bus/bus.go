// ABOUTME: Durable publish-subscribe bus boundary used for job dispatch and fallback delivery.
// ABOUTME: Defines the Bus interface and the coordinator's topic names.

package bus

import "context"

// Topic names, namespaced by the configured prefix at the transport layer so
// multiple environments can share infrastructure.
const (
	TopicTextToScene     = "text-to-scene"
	TopicAssetGeneration = "asset-generation"
	TopicRendering       = "ar-rendering"
	TopicContextUpdate   = "context-update"
	TopicSentiment       = "sentiment-analysis"
	TopicInterAgent      = "inter-agent"
	TopicAgentRegistry   = "agent-registry"
)

// Handler consumes one raw message body. Returning an error is informational:
// the message is still acknowledged so one bad frame cannot wedge a topic.
type Handler func(ctx context.Context, body []byte) error

// Bus is a durable publish-subscribe transport. Message bodies are UTF-8
// encoded JSON envelopes; the bus never inspects them. Delivery to consumers
// is at-least-once, so handlers must be idempotent or deduplicate.
type Bus interface {
	// Publish appends a message to the named topic.
	Publish(ctx context.Context, topic string, body []byte) error

	// Consume reads messages from the named topic and invokes handler for
	// each, blocking until ctx is cancelled. Decode or handler failures are
	// logged by the implementation and consumption continues.
	Consume(ctx context.Context, topic string, handler Handler) error

	// Close releases transport resources.
	Close() error
}
