// ABOUTME: WebSocket upgrade handlers and per-connection read loops.
// ABOUTME: One reader goroutine per connection preserves per-connection order.

package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aetherion-ar/coordinator/internal/connection"
	"github.com/aetherion-ar/coordinator/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20 // 1 MiB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the deployment's ingress.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to the connection.Conn interface.
// The mutex serializes writes; gorilla allows only one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}
}

// SendJSON writes one JSON frame.
func (c *wsConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Close closes the underlying connection.
func (c *wsConn) Close() error {
	return c.conn.Close()
}

var _ connection.Conn = (*wsConn)(nil)

// handleClientWS upgrades a client connection, optionally authenticating a
// JWT from the token query parameter, and runs the read loop.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	var userID string
	if token := r.URL.Query().Get("token"); token != "" && s.cfg.JWT != nil {
		id, err := s.cfg.JWT.Verify(token)
		if err != nil {
			s.logger.Warn("client token rejected", "client_id", clientID, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("client upgrade failed", "client_id", clientID, "error", err)
		return
	}

	ws := newWSConn(conn)
	s.connections.Connect(clientID, userID, ws)
	defer s.connections.Disconnect(clientID)

	if userID != "" {
		if err := s.contexts.SaveSession(r.Context(), userID, map[string]any{
			"client_id":    clientID,
			"connected_at": time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			s.logger.Warn("session save failed", "user_id", userID, "error", err)
		}
	}

	s.clientReadLoop(r.Context(), conn, clientID, userID)
}

// clientReadLoop processes request envelopes until the connection drops.
// Decode failures produce an error envelope; the loop itself stays alive.
func (s *Server) clientReadLoop(ctx context.Context, conn *websocket.Conn, clientID, userID string) {
	identity := userID
	if identity == "" {
		identity = clientID
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logClose("client", clientID, err)
			return
		}

		req, err := protocol.DecodeRequest(raw)
		if err != nil {
			s.connections.SendToClient(clientID, protocol.NewErrorResponse(
				protocol.RequestID(raw),
				"error processing request: "+err.Error(),
			))
			continue
		}

		resp := s.dispatcher.Dispatch(ctx, req, identity)
		s.connections.SendToClient(clientID, resp)
	}
}

// handleAgentWS upgrades an agent connection after checking the API key and
// runs the agent read loop.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	if s.cfg.AgentKey != nil {
		if err := s.cfg.AgentKey.Check(r.URL.Query().Get("api_key")); err != nil {
			s.logger.Warn("agent api key rejected", "agent_id", agentID)
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("agent upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	ws := newWSConn(conn)
	s.connections.ConnectAgent(agentID, ws)
	defer s.connections.DisconnectAgent(agentID)

	s.agentReadLoop(r.Context(), conn, agentID)
}

// agentReadLoop processes agent frames until the connection drops. Frames
// carrying a message_type without an action are raw inter-agent messages and
// bypass the dispatcher; everything else is a regular request.
func (s *Server) agentReadLoop(ctx context.Context, conn *websocket.Conn, agentID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logClose("agent", agentID, err)
			return
		}

		msg, err := protocol.DecodeInterAgentMessage(raw)
		if err == nil {
			if !s.router.Route(ctx, msg) {
				s.connections.SendToAgent(agentID, protocol.NewErrorResponse(
					protocol.RequestID(raw),
					"failed to route message",
				))
			}
			continue
		}
		if !errors.Is(err, protocol.ErrNotInterAgent) {
			s.connections.SendToAgent(agentID, protocol.NewErrorResponse(
				protocol.RequestID(raw),
				"error processing request: "+err.Error(),
			))
			continue
		}

		req, err := protocol.DecodeRequest(raw)
		if err != nil {
			s.connections.SendToAgent(agentID, protocol.NewErrorResponse(
				protocol.RequestID(raw),
				"error processing request: "+err.Error(),
			))
			continue
		}

		resp := s.dispatcher.Dispatch(ctx, req, agentID)
		s.connections.SendToAgent(agentID, resp)
	}
}

// logClose logs a connection drop at the appropriate level.
func (s *Server) logClose(kind, id string, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info(kind+" connection closed", "id", id)
		return
	}
	s.logger.Warn(kind+" connection dropped", "id", id, "error", err)
}
