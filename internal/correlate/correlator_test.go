// ABOUTME: Tests for the bus consumers that correlate results back to clients.
// ABOUTME: Covers result push, silent drops, replay suppression, and registry fan-out.

package correlate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherion-ar/coordinator/internal/bus"
	"github.com/aetherion-ar/coordinator/internal/dedupe"
	"github.com/aetherion-ar/coordinator/internal/protocol"
	"github.com/aetherion-ar/coordinator/internal/router"
)

// fakePools records deliveries to users and agents.
type fakePools struct {
	mu             sync.Mutex
	users          map[string]bool
	agents         map[string]bool
	userDeliveries map[string][]any
	agentSends     []any
	broadcasts     []any

	// agentSendFailures makes the next N agent sends fail even though the
	// agent reports connected, mimicking a socket dropping mid-delivery.
	agentSendFailures int
}

func newFakePools() *fakePools {
	return &fakePools{
		users:          make(map[string]bool),
		agents:         make(map[string]bool),
		userDeliveries: make(map[string][]any),
	}
}

func (p *fakePools) SendToUser(userID string, v any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.users[userID] {
		return false
	}
	p.userDeliveries[userID] = append(p.userDeliveries[userID], v)
	return true
}

func (p *fakePools) IsAgentConnected(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agents[agentID]
}

// SendToAgent lets the pools double as the router's sender.
func (p *fakePools) SendToAgent(agentID string, v any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.agents[agentID] {
		return false
	}
	if p.agentSendFailures > 0 {
		p.agentSendFailures--
		return false
	}
	p.agentSends = append(p.agentSends, v)
	return true
}

func (p *fakePools) BroadcastToAgents(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, v)
}

func (p *fakePools) userCount(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.userDeliveries[userID])
}

func (p *fakePools) lastUserDelivery(userID string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	deliveries := p.userDeliveries[userID]
	if len(deliveries) == 0 {
		return nil
	}
	return deliveries[len(deliveries)-1]
}

func (p *fakePools) agentSendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agentSends)
}

func (p *fakePools) broadcastCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.broadcasts)
}

type nopScheduler struct{}

func (nopScheduler) FindForTask(string) string { return "" }

type harness struct {
	bus        *bus.MemoryBus
	pools      *fakePools
	correlator *Correlator
	cancel     context.CancelFunc
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.Default()

	memBus := bus.NewMemoryBus(logger)
	pools := newFakePools()
	rt := router.New(pools, nopScheduler{}, memBus, logger)
	replays := dedupe.New(time.Minute, 100)
	t.Cleanup(replays.Close)

	c := New(memBus, pools, rt, replays, nil, logger)
	c.requeueDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.Wait()
	})

	return &harness{bus: memBus, pools: pools, correlator: c, cancel: cancel}
}

func publish(t *testing.T, b *bus.MemoryBus, topic string, v any) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), topic, body))
}

func TestResult_PushedToConnectedClient(t *testing.T) {
	h := startHarness(t)
	h.pools.mu.Lock()
	h.pools.users["user-1"] = true
	h.pools.mu.Unlock()

	publish(t, h.bus, bus.TopicTextToScene, map[string]any{
		"request_id":   "req-1",
		"user_id":      "user-1",
		"scene_params": map[string]any{"theme": "forest"},
		"internal":     "not forwarded",
	})

	require.Eventually(t, func() bool {
		return h.pools.userCount("user-1") == 1
	}, time.Second, 5*time.Millisecond)

	resp, ok := h.pools.lastUserDelivery("user-1").(*protocol.Response)
	require.True(t, ok)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-1", resp.RequestID)
	require.NotNil(t, resp.Data["scene_params"])
	// Only the declared result fields cross back to the client.
	_, leaked := resp.Data["internal"]
	assert.False(t, leaked)
}

func TestResult_DroppedWhenClientGone(t *testing.T) {
	h := startHarness(t)

	publish(t, h.bus, bus.TopicSentiment, map[string]any{
		"request_id": "req-1",
		"user_id":    "user-gone",
		"sentiment":  "positive",
	})

	// The drop is silent; the consumer keeps running and a later result for a
	// connected user still arrives.
	h.pools.mu.Lock()
	h.pools.users["user-2"] = true
	h.pools.mu.Unlock()

	publish(t, h.bus, bus.TopicSentiment, map[string]any{
		"request_id": "req-2",
		"user_id":    "user-2",
		"sentiment":  "negative",
	})

	require.Eventually(t, func() bool {
		return h.pools.userCount("user-2") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.pools.userCount("user-gone"))
}

func TestResult_MalformedMessageSkipped(t *testing.T) {
	h := startHarness(t)
	h.pools.mu.Lock()
	h.pools.users["user-1"] = true
	h.pools.mu.Unlock()

	require.NoError(t, h.bus.Publish(context.Background(), bus.TopicRendering, []byte("{broken")))
	publish(t, h.bus, bus.TopicRendering, map[string]any{
		// Missing request_id is rejected too.
		"user_id": "user-1",
	})
	publish(t, h.bus, bus.TopicRendering, map[string]any{
		"request_id": "req-1",
		"user_id":    "user-1",
		"scene_url":  "https://cdn/scene/1",
	})

	require.Eventually(t, func() bool {
		return h.pools.userCount("user-1") == 1
	}, time.Second, 5*time.Millisecond)

	resp := h.pools.lastUserDelivery("user-1").(*protocol.Response)
	assert.Equal(t, "https://cdn/scene/1", resp.Data["scene_url"])
}

func TestInterAgent_DeliveredWhenTargetReturns(t *testing.T) {
	h := startHarness(t)
	h.pools.mu.Lock()
	h.pools.agents["agent-2"] = true
	h.pools.mu.Unlock()

	publish(t, h.bus, bus.TopicInterAgent, protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		TargetAgentID: "agent-2",
		MessageType:   "request",
		Content:       map[string]any{"step": "1"},
		Timestamp:     time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		return h.pools.agentSendCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestInterAgent_ReplaySuppressedWhileConnected(t *testing.T) {
	h := startHarness(t)
	h.pools.mu.Lock()
	h.pools.agents["agent-2"] = true
	h.pools.mu.Unlock()

	msg := protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		TargetAgentID: "agent-2",
		MessageType:   "request",
		Content:       map[string]any{"step": "1"},
		Timestamp:     time.Now().UTC(),
	}
	publish(t, h.bus, bus.TopicInterAgent, msg)
	publish(t, h.bus, bus.TopicInterAgent, msg)

	require.Eventually(t, func() bool {
		return h.pools.agentSendCount() >= 1
	}, time.Second, 5*time.Millisecond)

	// Give the duplicate time to be consumed; it must not produce a second send.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.pools.agentSendCount())
}

func TestInterAgent_RequeuedUntilTargetConnects(t *testing.T) {
	h := startHarness(t)

	publish(t, h.bus, bus.TopicInterAgent, protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		TargetAgentID: "agent-2",
		MessageType:   "request",
		Content:       map[string]any{"step": "1"},
		Timestamp:     time.Now().UTC(),
	})

	// Let the message cycle through the offline requeue path a few times.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.pools.agentSendCount())

	h.pools.mu.Lock()
	h.pools.agents["agent-2"] = true
	h.pools.mu.Unlock()

	require.Eventually(t, func() bool {
		return h.pools.agentSendCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestInterAgent_SurvivesFailedSendToConnectedTarget(t *testing.T) {
	h := startHarness(t)
	h.pools.mu.Lock()
	h.pools.agents["agent-2"] = true
	h.pools.agentSendFailures = 1
	h.pools.mu.Unlock()

	publish(t, h.bus, bus.TopicInterAgent, protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		TargetAgentID: "agent-2",
		MessageType:   "request",
		Content:       map[string]any{"step": "1"},
		Timestamp:     time.Now().UTC(),
	})

	// The first send fails and the message falls back to the bus. The
	// redelivery must not be suppressed as a replay of the failed attempt.
	require.Eventually(t, func() bool {
		return h.pools.agentSendCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRegistryEvent_BroadcastToAgents(t *testing.T) {
	h := startHarness(t)

	publish(t, h.bus, bus.TopicAgentRegistry, map[string]any{
		"event":    "agent_registered",
		"agent_id": "agent-9",
		"agent_info": map[string]any{
			"name": "renderer",
		},
	})

	require.Eventually(t, func() bool {
		return h.pools.broadcastCount() == 1
	}, time.Second, 5*time.Millisecond)

	h.pools.mu.Lock()
	notification, ok := h.pools.broadcasts[0].(*protocol.Notification)
	h.pools.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "agent_registered", notification.NotificationType)
	assert.Equal(t, "agent-9", notification.AgentID)
}
