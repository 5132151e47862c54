// ABOUTME: Resolves request envelopes to action handlers and guarantees a response.
// ABOUTME: Unknown actions and handler panics degrade to failure envelopes, never crashes.

package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aetherion-ar/coordinator/internal/bus"
	"github.com/aetherion-ar/coordinator/internal/contextstore"
	"github.com/aetherion-ar/coordinator/internal/journal"
	"github.com/aetherion-ar/coordinator/internal/protocol"
	"github.com/aetherion-ar/coordinator/internal/registry"
	"github.com/aetherion-ar/coordinator/internal/router"
)

// Handler processes one request envelope and returns the response envelope.
// Handlers must not panic; the dispatcher converts panics into failure
// responses as a last line of defense.
type Handler func(ctx context.Context, req *protocol.Request) *protocol.Response

// Deps carries the collaborators handlers need. Journal may be nil.
type Deps struct {
	Registry *registry.Registry
	Bus      bus.Bus
	Contexts contextstore.Store
	Router   *router.Router
	Journal  *journal.Journal
	Logger   *slog.Logger
}

// Dispatcher maintains the static action table and runs handlers.
type Dispatcher struct {
	handlers map[string]Handler
	deps     Deps
	logger   *slog.Logger
}

// New creates a Dispatcher with the full action table registered.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		deps:     deps,
		logger:   deps.Logger,
	}

	// Job submissions
	d.handlers["text_to_scene"] = d.jobHandler(bus.TopicTextToScene, jobSpec{
		required: []string{"text"},
		fields:   []string{"text", "options"},
		context:  true,
	})
	d.handlers["asset_generation"] = d.jobHandler(bus.TopicAssetGeneration, jobSpec{
		required: []string{"scene_params"},
		fields:   []string{"scene_params", "options"},
	})
	d.handlers["ar_rendering"] = d.jobHandler(bus.TopicRendering, jobSpec{
		required: []string{"assets"},
		fields:   []string{"assets", "scene_config", "device_info"},
	})
	d.handlers["analyze_sentiment"] = d.jobHandler(bus.TopicSentiment, jobSpec{
		required: []string{"text"},
		fields:   []string{"text", "context_id"},
	})

	// Context mutation
	d.handlers["update_context"] = d.handleUpdateContext

	// Registry management
	d.handlers["register_agent"] = d.handleRegisterAgent
	d.handlers["unregister_agent"] = d.handleUnregisterAgent
	d.handlers["agent_heartbeat"] = d.handleHeartbeat
	d.handlers["get_agents"] = d.handleGetAgents
	d.handlers["get_capabilities"] = d.handleGetCapabilities

	// Inter-agent routing
	d.handlers["inter_agent_message"] = d.handleInterAgentMessage

	return d
}

// Dispatch resolves and runs the handler for a request. identity is the
// authenticated user id of the inbound connection (or the raw connection id
// as a last resort) and stamps envelopes that arrive without a user_id.
// Dispatch always returns a response envelope; it never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request, identity string) (resp *protocol.Response) {
	if req.UserID == "" {
		req.UserID = identity
	}

	handler, ok := d.handlers[req.Action]
	if !ok {
		return protocol.NewErrorResponse(req.RequestID, fmt.Sprintf("unknown action: %s", req.Action))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "action", req.Action, "request_id", req.RequestID, "panic", r)
			resp = protocol.NewErrorResponse(req.RequestID, fmt.Sprintf("error processing request: %v", r))
		}
	}()

	d.logger.Debug("dispatching request", "action", req.Action, "request_id", req.RequestID, "user_id", req.UserID)
	return handler(ctx, req)
}

// Actions returns the registered action names. Used by health/introspection
// endpoints.
func (d *Dispatcher) Actions() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// stringField extracts a required string from request data.
func stringField(data map[string]any, key string) (string, bool) {
	v, ok := data[key].(string)
	return v, ok && v != ""
}

// mapField extracts an optional map from request data.
func mapField(data map[string]any, key string) map[string]any {
	if v, ok := data[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}
