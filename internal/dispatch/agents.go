// ABOUTME: Registry-management and inter-agent-routing handlers.
// ABOUTME: Registration events are mirrored onto the agent-registry topic.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aetherion-ar/coordinator/internal/bus"
	"github.com/aetherion-ar/coordinator/internal/protocol"
	"github.com/aetherion-ar/coordinator/internal/registry"
)

// registryEvent is the body published to the agent-registry topic when an
// agent registers or unregisters, so other coordinator instances and
// interested agents can update their view.
type registryEvent struct {
	Event     string                 `json:"event"`
	AgentID   string                 `json:"agent_id"`
	AgentInfo *protocol.Registration `json:"agent_info,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// handleRegisterAgent inserts the agent into the registry and announces it.
func (d *Dispatcher) handleRegisterAgent(ctx context.Context, req *protocol.Request) *protocol.Response {
	raw, err := json.Marshal(req.Data)
	if err != nil {
		return protocol.NewErrorResponse(req.RequestID, fmt.Sprintf("reading registration: %v", err))
	}
	var reg protocol.Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return protocol.NewErrorResponse(req.RequestID, fmt.Sprintf("decoding registration: %v", err))
	}
	if reg.Name == "" {
		return protocol.NewErrorResponse(req.RequestID, "missing required field: name")
	}

	agentID := d.deps.Registry.Register(reg.Name, reg.Description, reg.Capabilities, reg.Metadata)

	d.publishRegistryEvent(ctx, registryEvent{
		Event:     "agent_registered",
		AgentID:   agentID,
		AgentInfo: &reg,
		Timestamp: time.Now().UTC(),
	})

	resp := protocol.NewResponse(req.RequestID, map[string]any{"agent_id": agentID})
	resp.Message = "agent registered"
	return resp
}

// handleUnregisterAgent removes the agent and announces the removal. Unknown
// ids are reported as a failure envelope, not an error.
func (d *Dispatcher) handleUnregisterAgent(ctx context.Context, req *protocol.Request) *protocol.Response {
	agentID, ok := stringField(req.Data, "agent_id")
	if !ok {
		return protocol.NewErrorResponse(req.RequestID, "missing required field: agent_id")
	}

	if !d.deps.Registry.Unregister(agentID) {
		return protocol.NewErrorResponse(req.RequestID, "agent not found")
	}

	d.publishRegistryEvent(ctx, registryEvent{
		Event:     "agent_unregistered",
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	})

	resp := protocol.NewResponse(req.RequestID, map[string]any{"agent_id": agentID})
	resp.Message = "agent unregistered"
	return resp
}

// handleHeartbeat refreshes the agent's heartbeat, optionally setting status.
func (d *Dispatcher) handleHeartbeat(_ context.Context, req *protocol.Request) *protocol.Response {
	agentID, ok := stringField(req.Data, "agent_id")
	if !ok {
		return protocol.NewErrorResponse(req.RequestID, "missing required field: agent_id")
	}

	var updated bool
	if status, ok := stringField(req.Data, "status"); ok {
		updated = d.deps.Registry.UpdateStatus(agentID, status)
	} else {
		updated = d.deps.Registry.UpdateHeartbeat(agentID)
	}
	if !updated {
		return protocol.NewErrorResponse(req.RequestID, "agent not found")
	}

	resp := protocol.NewResponse(req.RequestID, nil)
	resp.Message = "heartbeat received"
	return resp
}

// handleGetAgents returns every registered agent.
func (d *Dispatcher) handleGetAgents(_ context.Context, req *protocol.Request) *protocol.Response {
	return protocol.NewResponse(req.RequestID, map[string]any{
		"agents": d.deps.Registry.ListAll(),
	})
}

// handleGetCapabilities returns the advertised capability names plus the
// detailed description from the first agent providing each one.
func (d *Dispatcher) handleGetCapabilities(_ context.Context, req *protocol.Request) *protocol.Response {
	names := d.deps.Registry.ListCapabilities()

	details := make(map[string]protocol.Capability, len(names))
	for _, name := range names {
		for _, agent := range d.deps.Registry.ListByCapability(name) {
			if cap, ok := findCapability(agent, name); ok {
				details[name] = cap
				break
			}
		}
	}

	return protocol.NewResponse(req.RequestID, map[string]any{
		"capabilities":       names,
		"capability_details": details,
	})
}

// handleInterAgentMessage validates addressing and delegates to the router.
func (d *Dispatcher) handleInterAgentMessage(ctx context.Context, req *protocol.Request) *protocol.Response {
	raw, err := json.Marshal(req.Data)
	if err != nil {
		return protocol.NewErrorResponse(req.RequestID, fmt.Sprintf("reading message: %v", err))
	}
	var msg protocol.InterAgentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.NewErrorResponse(req.RequestID, fmt.Sprintf("decoding message: %v", err))
	}
	if msg.MessageType == "" {
		msg.MessageType = "request"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return protocol.NewErrorResponse(req.RequestID, err.Error())
	}

	if !d.deps.Router.Route(ctx, &msg) {
		return protocol.NewErrorResponse(req.RequestID, "failed to route message")
	}

	resp := protocol.NewResponse(req.RequestID, nil)
	resp.Message = "message routed"
	return resp
}

// publishRegistryEvent mirrors a registry change onto the broadcast topic.
// Failures are logged; the registry mutation has already happened.
func (d *Dispatcher) publishRegistryEvent(ctx context.Context, event registryEvent) {
	body, err := json.Marshal(event)
	if err == nil {
		err = d.deps.Bus.Publish(ctx, bus.TopicAgentRegistry, body)
	}
	if err != nil {
		d.logger.Error("registry event publish failed", "event", event.Event, "agent_id", event.AgentID, "error", err)
	}
}

func findCapability(agent *registry.Agent, name string) (protocol.Capability, bool) {
	for _, cap := range agent.Capabilities {
		if cap.Name == name {
			return cap, true
		}
	}
	return protocol.Capability{}, false
}
