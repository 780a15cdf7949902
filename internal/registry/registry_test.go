package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	r := New()
	r.Register("w1", 123)

	e, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, StateStarting, e.State)

	require.True(t, r.MarkReady("w1"))
	e, _ = r.Get("w1")
	assert.Equal(t, StateIdle, e.State)

	require.True(t, r.Assign("w1", "req-1"))
	e, _ = r.Get("w1")
	assert.Equal(t, StateBusy, e.State)
	assert.Equal(t, "req-1", e.CurrentRequestID)

	// Cannot assign again while busy.
	assert.False(t, r.Assign("w1", "req-2"))

	require.True(t, r.Release("w1", true))
	e, _ = r.Get("w1")
	assert.Equal(t, StateIdle, e.State)
	assert.Equal(t, 1, e.ProcessedCount)
	assert.Equal(t, "", e.CurrentRequestID)
}

func TestPickIdlePrefersLeastLoadedThenOldestHeartbeatThenID(t *testing.T) {
	r := New()
	r.Register("w2", 2)
	r.Register("w1", 1)
	r.MarkReady("w1")
	r.MarkReady("w2")

	// Both idle, zero load, same-ish heartbeat: tie-break lexicographically.
	id, ok := r.PickIdle()
	require.True(t, ok)
	assert.Equal(t, "w1", id)

	// Give w1 load so w2 should win next.
	r.Assign("w1", "req-1")
	r.Release("w1", true) // processed_count=1, back to idle

	id, ok = r.PickIdle()
	require.True(t, ok)
	assert.Equal(t, "w2", id)
}

func TestSweepFlipsExpiredWorkersAndReturnsInFlight(t *testing.T) {
	r := New()
	r.Register("w1", 1)
	r.MarkReady("w1")
	r.Assign("w1", "req-1")

	// Force the heartbeat into the past.
	r.mu.Lock()
	r.workers["w1"].LastHeartbeatAt = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	orphaned := r.Sweep(time.Now(), time.Second)
	assert.Equal(t, []string{"req-1"}, orphaned)

	e, _ := r.Get("w1")
	assert.Equal(t, StateUnresponsive, e.State)
}

func TestHeartbeatRevivesUnresponsiveWorker(t *testing.T) {
	r := New()
	r.Register("w1", 1)
	r.MarkReady("w1")
	r.Sweep(time.Now().Add(time.Hour), time.Second)

	e, _ := r.Get("w1")
	require.Equal(t, StateUnresponsive, e.State)

	require.True(t, r.Heartbeat("w1"))
	e, _ = r.Get("w1")
	assert.Equal(t, StateIdle, e.State)
}

func TestForgetRemovesEntry(t *testing.T) {
	r := New()
	r.Register("w1", 1)
	r.Forget("w1")
	_, ok := r.Get("w1")
	assert.False(t, ok)
}
