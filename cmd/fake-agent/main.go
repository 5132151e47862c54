// ABOUTME: Minimal fake agent for E2E testing: connects via WebSocket, echoes inter-agent messages.
// ABOUTME: Usage: fake-agent [-addr localhost:8080] [-name "Echo Agent"]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "coordinator HTTP address")
	name := flag.String("name", "Echo Agent", "Agent display name")
	agentID := flag.String("id", "e2e-echo-agent", "Agent connection ID")
	apiKey := flag.String("api-key", "", "Agent API key")
	flag.Parse()

	if err := run(*addr, *name, *agentID, *apiKey); err != nil {
		log.Fatal(err)
	}
}

// agentConn serializes writes; gorilla allows only one concurrent writer.
type agentConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *agentConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func run(addr, name, agentID, apiKey string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	u := url.URL{Scheme: "ws", Host: addr, Path: "/agent-ws/" + agentID}
	if apiKey != "" {
		u.RawQuery = "api_key=" + url.QueryEscape(apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	ac := &agentConn{conn: conn}

	// Register
	if err := ac.writeJSON(map[string]any{
		"request_id": "fake-agent-register",
		"action":     "register_agent",
		"data": map[string]any{
			"name":        name,
			"description": "echoes inter-agent messages back to their source",
			"capabilities": []map[string]any{
				{"name": "echo", "description": "echo a message back"},
			},
			"metadata": map[string]any{
				"hostname": "e2e-test",
				"backend":  "fake",
			},
		},
	}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	// Receive registration ack
	var ack struct {
		Success bool           `json:"success"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("failed to receive registration ack: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("registration rejected: %s", ack.Message)
	}
	registeredID, _ := ack.Data["agent_id"].(string)
	fmt.Fprintf(os.Stderr, "registered as %s (agent_id: %s)\n", name, registeredID)

	// Heartbeat loop
	go heartbeat(ctx, ac, registeredID)

	// Close the socket when the context ends so the read loop unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Message loop
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		var msg struct {
			SourceAgentID string         `json:"source_agent_id"`
			MessageType   string         `json:"message_type"`
			Content       map[string]any `json:"content"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.MessageType == "" {
			log.Printf("ignoring frame: %s", raw)
			continue
		}

		log.Printf("received %s message from %s: %v", msg.MessageType, msg.SourceAgentID, msg.Content)

		if msg.MessageType != "request" || msg.SourceAgentID == "" {
			continue
		}

		// Small delay to simulate work
		time.Sleep(50 * time.Millisecond)

		if err := ac.writeJSON(map[string]any{
			"source_agent_id": registeredID,
			"target_agent_id": msg.SourceAgentID,
			"message_type":    "response",
			"content": map[string]any{
				"echo": msg.Content,
			},
		}); err != nil {
			log.Printf("send echo error: %v", err)
		}
	}
}

// heartbeat refreshes the registry entry every 30 seconds until ctx ends.
func heartbeat(ctx context.Context, ac *agentConn, agentID string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ac.writeJSON(map[string]any{
				"action": "agent_heartbeat",
				"data":   map[string]any{"agent_id": agentID},
			}); err != nil {
				log.Printf("heartbeat error: %v", err)
				return
			}
		}
	}
}
