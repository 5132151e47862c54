// ABOUTME: Tests for inter-agent message routing.
// ABOUTME: Covers live delivery, capability resolution, and durable fallback.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherion-ar/coordinator/internal/bus"
	"github.com/aetherion-ar/coordinator/internal/protocol"
)

type fakeSender struct {
	connected map[string]bool
	sent      []any
}

func (s *fakeSender) SendToAgent(agentID string, v any) bool {
	if !s.connected[agentID] {
		return false
	}
	s.sent = append(s.sent, v)
	return true
}

type fakeScheduler struct {
	byCapability map[string]string
}

func (s *fakeScheduler) FindForTask(capability string) string {
	return s.byCapability[capability]
}

type fakePublisher struct {
	published map[string][][]byte
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, body []byte) error {
	if p.err != nil {
		return p.err
	}
	if p.published == nil {
		p.published = make(map[string][][]byte)
	}
	p.published[topic] = append(p.published[topic], body)
	return nil
}

func testRouter(sender *fakeSender, scheduler *fakeScheduler, publisher *fakePublisher) *Router {
	return New(sender, scheduler, publisher, slog.Default())
}

func TestRoute_DirectDelivery(t *testing.T) {
	sender := &fakeSender{connected: map[string]bool{"agent-2": true}}
	publisher := &fakePublisher{}
	r := testRouter(sender, &fakeScheduler{}, publisher)

	ok := r.Route(context.Background(), &protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		TargetAgentID: "agent-2",
		MessageType:   "request",
	})

	assert.True(t, ok)
	assert.Len(t, sender.sent, 1)
	assert.Empty(t, publisher.published)
}

func TestRoute_OfflineTargetFallsBackToBus(t *testing.T) {
	sender := &fakeSender{connected: map[string]bool{}}
	publisher := &fakePublisher{}
	r := testRouter(sender, &fakeScheduler{}, publisher)

	ok := r.Route(context.Background(), &protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		TargetAgentID: "agent-2",
		MessageType:   "request",
		Content:       map[string]any{"k": "v"},
	})

	// Queued on the bus counts as delivered.
	assert.True(t, ok)
	require.Len(t, publisher.published[bus.TopicInterAgent], 1)

	var queued protocol.InterAgentMessage
	require.NoError(t, json.Unmarshal(publisher.published[bus.TopicInterAgent][0], &queued))
	assert.Equal(t, "agent-2", queued.TargetAgentID)
	assert.Equal(t, "v", queued.Content["k"])
}

func TestRoute_CapabilityResolvedOnce(t *testing.T) {
	sender := &fakeSender{connected: map[string]bool{"agent-7": true}}
	scheduler := &fakeScheduler{byCapability: map[string]string{"render": "agent-7"}}
	r := testRouter(sender, scheduler, &fakePublisher{})

	msg := &protocol.InterAgentMessage{
		SourceAgentID:    "agent-1",
		TargetCapability: "render",
		MessageType:      "request",
	}
	ok := r.Route(context.Background(), msg)

	assert.True(t, ok)
	// The resolved id is pinned onto the message for any later redelivery.
	assert.Equal(t, "agent-7", msg.TargetAgentID)
	assert.Len(t, sender.sent, 1)
}

func TestRoute_NoAgentForCapability(t *testing.T) {
	publisher := &fakePublisher{}
	r := testRouter(&fakeSender{}, &fakeScheduler{}, publisher)

	ok := r.Route(context.Background(), &protocol.InterAgentMessage{
		SourceAgentID:    "agent-1",
		TargetCapability: "teleport",
		MessageType:      "request",
	})

	// Capability-addressed messages are never queued speculatively.
	assert.False(t, ok)
	assert.Empty(t, publisher.published)
}

func TestRoute_NoTarget(t *testing.T) {
	r := testRouter(&fakeSender{}, &fakeScheduler{}, &fakePublisher{})

	ok := r.Route(context.Background(), &protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		MessageType:   "request",
	})

	assert.False(t, ok)
}

func TestRoute_AgentIDWinsOverCapability(t *testing.T) {
	sender := &fakeSender{connected: map[string]bool{"agent-2": true}}
	scheduler := &fakeScheduler{byCapability: map[string]string{"render": "agent-9"}}
	r := testRouter(sender, scheduler, &fakePublisher{})

	msg := &protocol.InterAgentMessage{
		SourceAgentID:    "agent-1",
		TargetAgentID:    "agent-2",
		TargetCapability: "render",
		MessageType:      "request",
	}
	ok := r.Route(context.Background(), msg)

	// With both targets set the concrete agent id wins; the capability is
	// never resolved.
	assert.True(t, ok)
	assert.Equal(t, "agent-2", msg.TargetAgentID)
	assert.Len(t, sender.sent, 1)
}

func TestDeliver_ReportsPath(t *testing.T) {
	sender := &fakeSender{connected: map[string]bool{"agent-2": true}}
	publisher := &fakePublisher{}
	r := testRouter(sender, &fakeScheduler{}, publisher)

	live := r.Deliver(context.Background(), &protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		TargetAgentID: "agent-2",
		MessageType:   "request",
	})
	assert.Equal(t, DeliveredLive, live)

	queued := r.Deliver(context.Background(), &protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		TargetAgentID: "agent-gone",
		MessageType:   "request",
	})
	assert.Equal(t, QueuedOnBus, queued)

	failed := r.Deliver(context.Background(), &protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		MessageType:   "request",
	})
	assert.Equal(t, NotRouted, failed)
}

func TestRoute_FallbackPublishFailure(t *testing.T) {
	publisher := &fakePublisher{err: errors.New("bus down")}
	r := testRouter(&fakeSender{}, &fakeScheduler{}, publisher)

	ok := r.Route(context.Background(), &protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		TargetAgentID: "agent-2",
		MessageType:   "request",
	})

	assert.False(t, ok)
}
