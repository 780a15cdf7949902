package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotReflectsAppliedEvents(t *testing.T) {
	a := New(16)
	a.apply(Event{Kind: EventRequestAccepted, Method: "echo"})
	a.apply(Event{Kind: EventRequestAccepted, Method: "echo"})
	a.apply(Event{Kind: EventRequestComplete, Method: "echo", LatencyNs: int64(2 * time.Millisecond)})
	a.apply(Event{Kind: EventRequestError, ErrorCode: "E_UNKNOWN_METHOD"})

	snap := a.Snapshot()
	assert.Equal(t, int64(2), snap.RequestsTotal)
	assert.Equal(t, int64(2), snap.RequestsByMethod["echo"])
	assert.Equal(t, int64(1), snap.ErrorsByCode["E_UNKNOWN_METHOD"])

	hist, ok := snap.LatencyHistograms["echo"]
	assert.True(t, ok)
	assert.Equal(t, int64(1), hist.Buckets[1]) // 2ms falls in the 5ms bucket
}

func TestSnapshotIsIdempotentWithoutInterveningEvents(t *testing.T) {
	a := New(16)
	a.apply(Event{Kind: EventRequestAccepted, Method: "echo"})

	first := a.Snapshot()
	second := a.Snapshot()
	assert.Equal(t, first.RequestsTotal, second.RequestsTotal)
	assert.Equal(t, first.RequestsByMethod, second.RequestsByMethod)
}

func TestPostDropsRatherThanBlocksWhenBufferFull(t *testing.T) {
	a := New(1)
	a.Post(Event{Kind: EventRequestAccepted, Method: "echo"})
	done := make(chan struct{})
	go func() {
		a.Post(Event{Kind: EventRequestAccepted, Method: "echo"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Post blocked on a full buffer")
	}
}
