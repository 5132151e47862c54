// ABOUTME: In-memory directory of registered agents and their capabilities.
// ABOUTME: Sole owner of agent state; answers discovery and scheduling queries.

package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aetherion-ar/coordinator/internal/protocol"
)

// Agent status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBusy    = "busy"
)

// Agent is a registered agent as seen by the registry. Values handed out by
// the registry are copies; callers never observe later mutations.
type Agent struct {
	AgentID       string                `json:"agent_id"`
	Name          string                `json:"name"`
	Description   string                `json:"description"`
	Capabilities  []protocol.Capability `json:"capabilities"`
	Status        string                `json:"status"`
	LastHeartbeat time.Time             `json:"last_heartbeat"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
}

// Registry is the coordinator-wide agent directory. All access goes through
// its methods; the maps are never exposed, so the registry stays the single
// owner of agent state. Critical sections are short and never perform I/O.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	// capabilities maps capability name -> agent ids in registration order.
	// Invariant: every id in a slice exists in agents, and every capability
	// advertised by a registered agent appears as a key.
	capabilities map[string][]string

	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		agents:       make(map[string]*Agent),
		capabilities: make(map[string][]string),
		logger:       logger,
	}
}

// Register allocates a fresh agent id, inserts the agent with status online,
// and indexes every advertised capability.
func (r *Registry) Register(name, description string, capabilities []protocol.Capability, metadata map[string]any) string {
	agentID := uuid.New().String()

	// Copy on the way in, as clone copies on the way out: the caller keeps no
	// handle on registry state.
	capabilities = append([]protocol.Capability(nil), capabilities...)

	r.mu.Lock()
	r.agents[agentID] = &Agent{
		AgentID:       agentID,
		Name:          name,
		Description:   description,
		Capabilities:  capabilities,
		Status:        StatusOnline,
		LastHeartbeat: time.Now().UTC(),
		Metadata:      metadata,
	}
	for _, cap := range capabilities {
		r.capabilities[cap.Name] = append(r.capabilities[cap.Name], agentID)
	}
	r.mu.Unlock()

	r.logger.Info("agent registered",
		"agent_id", agentID,
		"name", name,
		"capabilities", len(capabilities),
	)
	return agentID
}

// Unregister removes the agent and prunes it from every capability slice,
// deleting slices that become empty. Returns false for unknown ids; calling
// it twice is a no-op, not an error.
func (r *Registry) Unregister(agentID string) bool {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	for _, cap := range agent.Capabilities {
		r.capabilities[cap.Name] = remove(r.capabilities[cap.Name], agentID)
		if len(r.capabilities[cap.Name]) == 0 {
			delete(r.capabilities, cap.Name)
		}
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	r.logger.Info("agent unregistered", "agent_id", agentID, "name", agent.Name)
	return true
}

// UpdateStatus sets the agent's status and refreshes its heartbeat.
// Returns false for unknown ids.
func (r *Registry) UpdateStatus(agentID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	agent.Status = status
	agent.LastHeartbeat = time.Now().UTC()
	return true
}

// UpdateHeartbeat refreshes the agent's heartbeat without touching status.
// Returns false for unknown ids.
func (r *Registry) UpdateHeartbeat(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	agent.LastHeartbeat = time.Now().UTC()
	return true
}

// Get returns a copy of the agent, or nil if unknown.
func (r *Registry) Get(agentID string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	return agent.clone()
}

// ListAll returns copies of every registered agent.
func (r *Registry) ListAll() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent.clone())
	}
	return agents
}

// ListCapabilities returns the names of every capability advertised by at
// least one registered agent.
func (r *Registry) ListCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	return names
}

// ListByCapability returns copies of every agent advertising the capability,
// in registration order.
func (r *Registry) ListByCapability(name string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.capabilities[name]
	agents := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		if agent, ok := r.agents[id]; ok {
			agents = append(agents, agent.clone())
		}
	}
	return agents
}

// FindForTask returns the id of an online agent advertising the capability,
// or "" if none. Scheduling is deterministic: first online agent in
// registration order.
func (r *Registry) FindForTask(capability string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.capabilities[capability] {
		if agent, ok := r.agents[id]; ok && agent.Status == StatusOnline {
			return id
		}
	}
	return ""
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CountOnline returns the number of agents currently online.
func (r *Registry) CountOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, agent := range r.agents {
		if agent.Status == StatusOnline {
			n++
		}
	}
	return n
}

// SweepStale demotes online/busy agents whose last heartbeat is older than
// timeout to offline, and returns the ids it demoted. It never unregisters:
// a stale agent keeps its registration and comes back by heartbeating.
func (r *Registry) SweepStale(timeout time.Duration) []string {
	cutoff := time.Now().UTC().Add(-timeout)

	r.mu.Lock()
	var demoted []string
	for id, agent := range r.agents {
		if agent.Status != StatusOffline && agent.LastHeartbeat.Before(cutoff) {
			agent.Status = StatusOffline
			demoted = append(demoted, id)
		}
	}
	r.mu.Unlock()

	for _, id := range demoted {
		r.logger.Warn("agent heartbeat stale, marked offline", "agent_id", id, "timeout", timeout)
	}
	return demoted
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Capabilities = append([]protocol.Capability(nil), a.Capabilities...)
	if a.Metadata != nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
