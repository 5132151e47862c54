// ABOUTME: Envelope types exchanged over client/agent connections and the bus.
// ABOUTME: Defines request, response, and inter-agent message shapes with JSON codecs.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope errors
var (
	ErrEmptyAction   = errors.New("action is required")
	ErrNoTarget      = errors.New("must specify either target_agent_id or target_capability")
	ErrNoSource      = errors.New("source_agent_id is required")
	ErrNotInterAgent = errors.New("not an inter-agent message")
)

// Request is the envelope clients and agents send to invoke an action.
// A missing request_id is generated server-side so every unit of work is
// correlatable end-to-end, including across the bus.
type Request struct {
	RequestID string         `json:"request_id"`
	UserID    string         `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Response is the envelope returned for every acknowledged Request. Handlers
// that hand work to the bus return an immediate acknowledgement; the eventual
// result arrives as a separate Response with the same request_id.
type Response struct {
	RequestID string         `json:"request_id"`
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// InterAgentMessage is direct peer traffic between agents. Exactly one of
// TargetAgentID/TargetCapability must be set; the router resolves a
// capability to a concrete agent id at send time and never re-resolves.
type InterAgentMessage struct {
	SourceAgentID    string         `json:"source_agent_id"`
	TargetAgentID    string         `json:"target_agent_id,omitempty"`
	TargetCapability string         `json:"target_capability,omitempty"`
	MessageType      string         `json:"message_type"`
	Content          map[string]any `json:"content"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Capability describes one named unit of work an agent can perform.
// Immutable once advertised.
type Capability struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Example     map[string]any    `json:"example,omitempty"`
}

// Registration is the payload of a register_agent request.
type Registration struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Capabilities []Capability   `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Notification is a plain push to a connection pool, outside the
// request/response cycle (registry events, broadcasts).
type Notification struct {
	NotificationType string         `json:"notification_type"`
	AgentID          string         `json:"agent_id,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// NewResponse builds a success response correlated to the given request id.
func NewResponse(requestID string, data map[string]any) *Response {
	return &Response{
		RequestID: requestID,
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorResponse builds a failure response correlated to the given request id.
func NewErrorResponse(requestID, message string) *Response {
	return &Response{
		RequestID: requestID,
		Success:   false,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// DecodeRequest parses a raw frame into a Request, stamping a fresh
// request_id and timestamp when absent. Unknown fields are ignored.
func DecodeRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request envelope: %w", err)
	}
	if req.Action == "" {
		return nil, ErrEmptyAction
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}
	return &req, nil
}

// DecodeInterAgentMessage parses a raw frame into an InterAgentMessage.
// Returns ErrNotInterAgent when the frame does not carry a message_type, so
// callers can fall back to regular request handling.
func DecodeInterAgentMessage(raw []byte) (*InterAgentMessage, error) {
	var probe struct {
		MessageType string `json:"message_type"`
		Action      string `json:"action"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decoding inter-agent message: %w", err)
	}
	if probe.MessageType == "" || probe.Action != "" {
		return nil, ErrNotInterAgent
	}

	var msg InterAgentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding inter-agent message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return &msg, nil
}

// Validate checks the addressing invariants of an inter-agent message. When
// both targets are set, target_agent_id takes precedence and the capability
// is never consulted.
func (m *InterAgentMessage) Validate() error {
	if m.SourceAgentID == "" {
		return ErrNoSource
	}
	if m.TargetAgentID == "" && m.TargetCapability == "" {
		return ErrNoTarget
	}
	return nil
}

// RequestID extracts a request_id from a raw frame for error correlation when
// full decoding fails. Falls back to a fresh id.
func RequestID(raw []byte) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.RequestID != "" {
		return probe.RequestID
	}
	return uuid.New().String()
}
