// ABOUTME: Tests for the replay-suppression cache.
// ABOUTME: Validates TTL expiration, size limits, key derivation, and concurrency safety.

package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aetherion-ar/coordinator/internal/protocol"
)

func TestCheckAndMark_FirstSeen(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("key-1"))
	assert.True(t, cache.CheckAndMark("key-1"))
}

func TestCheckAndMark_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("expiring-key"))
	time.Sleep(20 * time.Millisecond)

	// After the TTL the key is treated as new again.
	assert.False(t, cache.CheckAndMark("expiring-key"))
}

func TestCheckAndMark_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 2)
	defer cache.Close()

	cache.CheckAndMark("a")
	cache.CheckAndMark("b")
	cache.CheckAndMark("c") // evicts "a"

	assert.Equal(t, 2, cache.Len())
	assert.False(t, cache.CheckAndMark("a"))
	assert.True(t, cache.CheckAndMark("c"))
}

func TestSeen_DoesNotMark(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("key-1"))
	assert.False(t, cache.Seen("key-1")) // a check alone never records the key

	cache.Mark("key-1")
	assert.True(t, cache.Seen("key-1"))
	assert.True(t, cache.CheckAndMark("key-1"))
}

func TestMessageKey_Deterministic(t *testing.T) {
	ts := time.Now().UTC()
	msg := &protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		TargetAgentID: "agent-2",
		MessageType:   "request",
		Content:       map[string]any{"step": "1"},
		Timestamp:     ts,
	}
	replay := *msg

	assert.Equal(t, MessageKey(msg), MessageKey(&replay))
}

func TestMessageKey_DistinguishesMessages(t *testing.T) {
	ts := time.Now().UTC()
	base := protocol.InterAgentMessage{
		SourceAgentID: "agent-1",
		MessageType:   "request",
		Content:       map[string]any{"step": "1"},
		Timestamp:     ts,
	}

	differentContent := base
	differentContent.Content = map[string]any{"step": "2"}
	assert.NotEqual(t, MessageKey(&base), MessageKey(&differentContent))

	differentTime := base
	differentTime.Timestamp = ts.Add(time.Nanosecond)
	assert.NotEqual(t, MessageKey(&base), MessageKey(&differentTime))

	differentSource := base
	differentSource.SourceAgentID = "agent-9"
	assert.NotEqual(t, MessageKey(&base), MessageKey(&differentSource))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.CheckAndMark(string(rune('a'+n)) + "-key")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, cache.Len())
}

func TestClose_Idempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close() // must not panic
}
