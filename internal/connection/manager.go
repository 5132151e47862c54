// ABOUTME: Tracks the two pools of live duplex connections: clients and agents.
// ABOUTME: Moves envelopes to connections without ever inspecting payloads.

package connection

import (
	"log/slog"
	"sync"
)

// Conn is one live duplex connection. Implementations must serialize
// concurrent SendJSON calls.
type Conn interface {
	SendJSON(v any) error
	Close() error
}

// StatusUpdater flips agent status in the registry when an agent connection
// opens or drops.
type StatusUpdater interface {
	UpdateStatus(agentID, status string) bool
}

// Agent status values mirrored here to avoid importing the registry package.
const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// client is a tracked client connection, optionally tagged with the
// authenticated user for later result correlation.
type client struct {
	conn   Conn
	userID string
}

// Manager owns the client and agent connection pools. Sends are best-effort:
// a transport failure is treated as a disconnect and the connection is
// removed. Critical sections never perform I/O; the actual send happens after
// the pool lookup releases the lock.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*client
	agents  map[string]Conn

	status StatusUpdater
	logger *slog.Logger
}

// NewManager creates an empty Manager. status may be nil when no registry is
// attached (tests).
func NewManager(status StatusUpdater, logger *slog.Logger) *Manager {
	return &Manager{
		clients: make(map[string]*client),
		agents:  make(map[string]Conn),
		status:  status,
		logger:  logger,
	}
}

// Connect registers a live client connection. userID tags the connection with
// an authenticated identity; it may be empty for anonymous clients.
func (m *Manager) Connect(clientID, userID string, conn Conn) {
	m.mu.Lock()
	old := m.clients[clientID]
	m.clients[clientID] = &client{conn: conn, userID: userID}
	m.mu.Unlock()

	if old != nil {
		// The displaced socket would otherwise linger until its read loop
		// noticed on its own.
		_ = old.conn.Close()
	}

	if userID != "" {
		m.logger.Info("authenticated client connected", "client_id", clientID, "user_id", userID)
	} else {
		m.logger.Info("anonymous client connected", "client_id", clientID)
	}
}

// ConnectAgent registers a live agent connection and flips the agent online.
func (m *Manager) ConnectAgent(agentID string, conn Conn) {
	m.mu.Lock()
	old := m.agents[agentID]
	m.agents[agentID] = conn
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	if m.status != nil {
		m.status.UpdateStatus(agentID, statusOnline)
	}
	m.logger.Info("agent connected", "agent_id", agentID)
}

// Disconnect removes a client connection. Safe to call for ids that are
// already gone.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	_, ok := m.clients[clientID]
	delete(m.clients, clientID)
	m.mu.Unlock()

	if ok {
		m.logger.Info("client disconnected", "client_id", clientID)
	}
}

// DisconnectAgent removes an agent connection and flips the agent offline.
func (m *Manager) DisconnectAgent(agentID string) {
	m.mu.Lock()
	_, ok := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()

	if ok {
		if m.status != nil {
			m.status.UpdateStatus(agentID, statusOffline)
		}
		m.logger.Info("agent disconnected", "agent_id", agentID)
	}
}

// SendToClient delivers an envelope to a client connection. Returns false if
// the client is not connected or the send failed (in which case the
// connection is cleaned up).
func (m *Manager) SendToClient(clientID string, v any) bool {
	m.mu.RLock()
	c, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	if err := c.conn.SendJSON(v); err != nil {
		m.logger.Error("send to client failed", "client_id", clientID, "error", err)
		m.Disconnect(clientID)
		return false
	}
	return true
}

// SendToAgent delivers an envelope to an agent connection. Returns false if
// the agent is not connected or the send failed.
func (m *Manager) SendToAgent(agentID string, v any) bool {
	m.mu.RLock()
	conn, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	if err := conn.SendJSON(v); err != nil {
		m.logger.Error("send to agent failed", "agent_id", agentID, "error", err)
		m.DisconnectAgent(agentID)
		return false
	}
	return true
}

// SendToUser delivers an envelope to every client connection authenticated as
// userID, falling back to a client id match so anonymous clients addressed by
// id still receive results. Returns true if at least one delivery succeeded.
func (m *Manager) SendToUser(userID string, v any) bool {
	m.mu.RLock()
	ids := make([]string, 0, 1)
	for id, c := range m.clients {
		if c.userID == userID || (c.userID == "" && id == userID) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	delivered := false
	for _, id := range ids {
		if m.SendToClient(id, v) {
			delivered = true
		}
	}
	return delivered
}

// Broadcast sends an envelope to every live client, pruning any connection
// that fails mid-broadcast.
func (m *Manager) Broadcast(v any) {
	for _, id := range m.clientIDs() {
		m.SendToClient(id, v)
	}
}

// BroadcastToAgents sends a notification to every live agent, pruning any
// connection that fails mid-broadcast.
func (m *Manager) BroadcastToAgents(v any) {
	for _, id := range m.agentIDs() {
		m.SendToAgent(id, v)
	}
}

// IsClientConnected reports whether a client connection is live.
func (m *Manager) IsClientConnected(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[clientID]
	return ok
}

// IsAgentConnected reports whether an agent connection is live.
func (m *Manager) IsAgentConnected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[agentID]
	return ok
}

// UserID returns the authenticated user tagged on a client connection, or ""
// if the client is anonymous or unknown.
func (m *Manager) UserID(clientID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.clients[clientID]; ok {
		return c.userID
	}
	return ""
}

// ClientCount returns the number of live client connections.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// AgentCount returns the number of live agent connections.
func (m *Manager) AgentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

func (m *Manager) clientIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) agentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	return ids
}
