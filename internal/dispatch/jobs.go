// ABOUTME: Job-submission and context-mutation handlers.
// ABOUTME: Jobs are published to capability topics and acknowledged as "processing".

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aetherion-ar/coordinator/internal/bus"
	"github.com/aetherion-ar/coordinator/internal/contextstore"
	"github.com/aetherion-ar/coordinator/internal/protocol"
)

// jobSpec describes how a job-submission action maps request data onto a bus
// message.
type jobSpec struct {
	required []string // fields that must be present and non-empty
	fields   []string // fields copied verbatim into the job message
	context  bool     // attach the caller's shared context snapshot
}

// jobHandler builds the handler for one job-submission action. The job
// message carries request_id and user_id so the result can be correlated back
// to the submitting client, plus the raw payload fields. Publish failures
// surface as failure envelopes; a successful publish is acknowledged
// immediately with status "processing".
func (d *Dispatcher) jobHandler(topic string, spec jobSpec) Handler {
	return func(ctx context.Context, req *protocol.Request) *protocol.Response {
		for _, field := range spec.required {
			if _, ok := req.Data[field]; !ok {
				return protocol.NewErrorResponse(req.RequestID, fmt.Sprintf("missing required field: %s", field))
			}
		}

		message := map[string]any{
			"request_id": req.RequestID,
			"user_id":    req.UserID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		}
		for _, field := range spec.fields {
			if v, ok := req.Data[field]; ok {
				message[field] = v
			}
		}

		if spec.context {
			contextID, ok := stringField(req.Data, "context_id")
			if !ok {
				contextID = req.UserID
			}
			snapshot, err := d.deps.Contexts.GetContext(ctx, contextID)
			if err != nil {
				d.logger.Warn("context snapshot unavailable", "context_id", contextID, "error", err)
			}
			if snapshot == nil {
				snapshot = map[string]any{}
			}
			message["context"] = snapshot
		}

		body, err := json.Marshal(message)
		if err != nil {
			return protocol.NewErrorResponse(req.RequestID, fmt.Sprintf("encoding job message: %v", err))
		}
		if err := d.deps.Bus.Publish(ctx, topic, body); err != nil {
			d.logger.Error("job publish failed", "topic", topic, "request_id", req.RequestID, "error", err)
			return protocol.NewErrorResponse(req.RequestID, fmt.Sprintf("submitting job: %v", err))
		}

		if d.deps.Journal != nil {
			if err := d.deps.Journal.RecordSubmission(ctx, req.RequestID, req.UserID, req.Action, topic); err != nil {
				d.logger.Error("job journal write failed", "request_id", req.RequestID, "error", err)
			}
		}

		resp := protocol.NewResponse(req.RequestID, map[string]any{"status": "processing"})
		resp.Message = fmt.Sprintf("%s request submitted", req.Action)
		return resp
	}
}

// handleUpdateContext merges supplied fields into the caller's shared context
// and mirrors the change onto the context-update topic so interested agents
// see it. Success reflects the store write.
func (d *Dispatcher) handleUpdateContext(ctx context.Context, req *protocol.Request) *protocol.Response {
	contextID, ok := stringField(req.Data, "context_id")
	if !ok {
		contextID = req.UserID
	}
	fields := mapField(req.Data, "context")

	ttl := contextstore.DefaultContextTTL
	if v, ok := req.Data["expiry"].(float64); ok && v > 0 {
		ttl = time.Duration(v) * time.Second
	}

	if err := d.deps.Contexts.UpdateContext(ctx, contextID, fields, ttl); err != nil {
		d.logger.Error("context update failed", "context_id", contextID, "error", err)
		return protocol.NewErrorResponse(req.RequestID, fmt.Sprintf("updating context: %v", err))
	}

	notification := map[string]any{
		"request_id":   req.RequestID,
		"user_id":      req.UserID,
		"context_id":   contextID,
		"context_data": fields,
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(notification)
	if err == nil {
		err = d.deps.Bus.Publish(ctx, bus.TopicContextUpdate, body)
	}
	if err != nil {
		// The store write succeeded; the mirror is best-effort.
		d.logger.Error("context update notification failed", "context_id", contextID, "error", err)
	}

	resp := protocol.NewResponse(req.RequestID, map[string]any{"context_id": contextID})
	resp.Message = "context updated"
	return resp
}
