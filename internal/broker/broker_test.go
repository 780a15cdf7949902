package broker

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	czmq "github.com/zeromq/goczmq/v4"

	"github.com/geoffjay/tacore/internal/config"
	"github.com/geoffjay/tacore/internal/metrics"
	"github.com/geoffjay/tacore/internal/registry"
	"github.com/geoffjay/tacore/internal/store"
	"github.com/geoffjay/tacore/internal/tacerr"
	"github.com/geoffjay/tacore/internal/wire"
)

// newTestBroker builds a Broker with no bound sockets, exercising only the
// dispatch-decision logic. Tests in this file deliberately never populate
// workerAddr/clientAddr so that code paths which would otherwise call
// SendMessage on a live socket return early instead.
func newTestBroker(t *testing.T) (*Broker, *store.Store, *registry.Registry) {
	t.Helper()

	cfg := config.Default()
	cfg.MaxRetries = 3
	cfg.WorkerHeartbeatTimeout = 50 * time.Millisecond
	cfg.WorkerHeartbeatInterval = 10 * time.Millisecond

	st, err := store.Open(filepath.Join(t.TempDir(), "tacore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New()
	agg := metrics.New(16)
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)

	b := &Broker{
		cfg:        cfg,
		log:        logger,
		reg:        reg,
		st:         st,
		agg:        agg,
		clientAddr: make(map[string]string),
		workerAddr: make(map[string]string),
		lastTick:   time.Now(),
	}
	return b, st, reg
}

// newTestBrokerWithFront extends newTestBroker with a real inproc-bound
// front ROUTER socket, plus a connected DEALER peer standing in for a
// client, so handleFrontMessage can be driven end to end including its
// SendMessage replies.
func newTestBrokerWithFront(t *testing.T) (*Broker, *store.Store, *registry.Registry, *czmq.Sock) {
	t.Helper()

	b, st, reg := newTestBroker(t)

	endpoint := fmt.Sprintf("inproc://tacore-test-front-%p", t)
	front, err := czmq.NewRouter(endpoint)
	require.NoError(t, err)
	t.Cleanup(front.Destroy)
	b.front = front

	dealer, err := czmq.NewDealer(endpoint)
	require.NoError(t, err)
	t.Cleanup(dealer.Destroy)

	return b, st, reg, dealer
}

// recvFrontFrames reads one client request off the broker's front ROUTER
// socket and returns its frames unchanged: the [identity, delimiter, body]
// triple handleFrontMessage expects, as serviceFrontOnce receives it.
func recvFrontFrames(t *testing.T, b *Broker) [][]byte {
	t.Helper()
	frames, err := b.front.RecvMessage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frames), 2)
	return frames
}

func TestHandleFrontMessageDispatchesToIdleWorker(t *testing.T) {
	b, st, reg, dealer := newTestBrokerWithFront(t)
	reg.Register("w1", 0)
	reg.MarkReady("w1")

	req := wire.ClientRequest{Method: "echo", Payload: json.RawMessage(`{"n":1}`)}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, dealer.SendMessage([][]byte{{}, body}))

	frames := recvFrontFrames(t, b)
	b.handleFrontMessage(frames)

	e, ok := reg.Get("w1")
	require.True(t, ok)
	assert.Equal(t, registry.StateBusy, e.State)

	recs, err := st.ListRecent(10, store.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.StatusDispatched, recs[0].Status)
	assert.Equal(t, "echo", recs[0].Method)
}

func TestHandleFrontMessageRejectsMalformedEnvelope(t *testing.T) {
	b, st, _, dealer := newTestBrokerWithFront(t)

	require.NoError(t, dealer.SendMessage([][]byte{{}, []byte("not json")}))
	frames := recvFrontFrames(t, b)
	b.handleFrontMessage(frames)

	replyFrames, err := dealer.RecvMessage()
	require.NoError(t, err)
	var resp wire.ClientResponse
	require.NoError(t, json.Unmarshal(replyFrames[len(replyFrames)-1], &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, tacerr.CodeBadRequest, resp.ErrorCode)

	recs, err := st.ListRecent(10, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHandleFrontMessageRejectsWhenQueueIsFull(t *testing.T) {
	b, st, _, dealer := newTestBrokerWithFront(t)
	b.cfg.WorkerCount = 1
	b.cfg.QueueMultiplier = 1
	b.pending = append(b.pending, pendingEntry{requestID: "already-queued"})

	req := wire.ClientRequest{Method: "echo", Payload: json.RawMessage(`{}`)}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, dealer.SendMessage([][]byte{{}, body}))

	frames := recvFrontFrames(t, b)
	b.handleFrontMessage(frames)

	replyFrames, err := dealer.RecvMessage()
	require.NoError(t, err)
	var resp wire.ClientResponse
	require.NoError(t, json.Unmarshal(replyFrames[len(replyFrames)-1], &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, tacerr.CodeServiceOverload, resp.ErrorCode)

	// The overloaded request must never reach the store.
	recs, err := st.ListRecent(10, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHandleBackMessageReadyPreservesSupervisorSetPID(t *testing.T) {
	b, _, reg := newTestBroker(t)
	reg.Register("w1", 4242)

	body, err := wire.Ready("w1").Marshal()
	require.NoError(t, err)
	b.handleBackMessage([][]byte{[]byte("identity-w1"), {}, body})

	e, ok := reg.Get("w1")
	require.True(t, ok)
	assert.Equal(t, registry.StateIdle, e.State)
	assert.Equal(t, 4242, e.PID)
}

func TestDispatchOrEnqueueAssignsIdleWorker(t *testing.T) {
	b, st, reg := newTestBroker(t)
	reg.Register("w1", 0)
	reg.MarkReady("w1")

	rec := &store.Record{RequestID: "req-1", Method: "echo", Status: store.StatusPending, CreatedAt: time.Now().UTC(), Attempt: 1}
	require.NoError(t, st.AppendRequest(rec))

	b.dispatchOrEnqueue("req-1")

	e, ok := reg.Get("w1")
	require.True(t, ok)
	assert.Equal(t, registry.StateBusy, e.State)
	assert.Equal(t, "req-1", e.CurrentRequestID)

	got, err := st.GetRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDispatched, got.Status)
}

func TestDispatchOrEnqueueQueuesWhenNoIdleWorker(t *testing.T) {
	b, st, _ := newTestBroker(t)

	rec := &store.Record{RequestID: "req-1", Method: "echo", Status: store.StatusPending, CreatedAt: time.Now().UTC(), Attempt: 1}
	require.NoError(t, st.AppendRequest(rec))

	b.dispatchOrEnqueue("req-1")

	assert.Len(t, b.pending, 1)
	assert.Equal(t, "req-1", b.pending[0].requestID)
}

func TestFailOrRetryRetriesUnderAttemptLimit(t *testing.T) {
	b, st, reg := newTestBroker(t)
	reg.Register("w1", 0)
	reg.MarkReady("w1")
	reg.Assign("w1", "req-1")

	rec := &store.Record{RequestID: "req-1", Method: "echo", Status: store.StatusDispatched, CreatedAt: time.Now().UTC(), Attempt: 1}
	require.NoError(t, st.AppendRequest(rec))

	b.failOrRetry("req-1", tacerr.CodeWorkerLost, "worker became unresponsive mid-task")

	got, err := st.GetRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	// Retried: w1 is still BUSY with req-1 here (in a real flow Sweep has
	// already flipped it to UNRESPONSIVE before failOrRetry runs), so no
	// worker is idle and dispatchOrEnqueue re-queues the request; either way
	// the request must not be terminal yet.
	assert.NotContains(t, []store.Status{store.StatusFailed, store.StatusTimeout}, got.Status)
}

func TestFailOrRetrySurfacesAfterExhaustingRetries(t *testing.T) {
	b, st, _ := newTestBroker(t)

	rec := &store.Record{RequestID: "req-1", Method: "echo", Status: store.StatusDispatched, CreatedAt: time.Now().UTC(), Attempt: 3}
	require.NoError(t, st.AppendRequest(rec))

	b.failOrRetry("req-1", tacerr.CodeWorkerLost, "worker became unresponsive mid-task")

	got, err := st.GetRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, tacerr.CodeWorkerLost, got.ErrorCode)
}

func TestFailOrRetryIgnoresAlreadyTerminalRequest(t *testing.T) {
	b, st, _ := newTestBroker(t)

	rec := &store.Record{RequestID: "req-1", Method: "echo", Status: store.StatusPending, CreatedAt: time.Now().UTC(), Attempt: 1}
	require.NoError(t, st.AppendRequest(rec))
	completedAt := time.Now().UTC()
	require.NoError(t, st.UpdateRequest("req-1", store.Patch{Status: store.StatusComplete, CompletedAt: &completedAt}))

	b.failOrRetry("req-1", tacerr.CodeTimeout, "request exceeded request_timeout")

	got, err := st.GetRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, got.Status)
}

func TestTickSweepsUnresponsiveWorkerAndRetriesInFlightRequest(t *testing.T) {
	b, st, reg := newTestBroker(t)
	reg.Register("w1", 0)
	reg.MarkReady("w1")
	reg.Assign("w1", "req-1")

	rec := &store.Record{RequestID: "req-1", Method: "echo", Status: store.StatusDispatched, CreatedAt: time.Now().UTC(), Attempt: 1}
	require.NoError(t, st.AppendRequest(rec))

	// Force the worker's heartbeat into the past so Sweep flags it.
	time.Sleep(60 * time.Millisecond)

	b.tick(time.Now())

	e, _ := reg.Get("w1")
	assert.Equal(t, registry.StateUnresponsive, e.State)

	got, err := st.GetRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
}

func TestDegradedModeFlag(t *testing.T) {
	b, _, _ := newTestBroker(t)
	assert.False(t, b.Degraded())
	b.SetDegraded(true)
	assert.True(t, b.Degraded())
	b.SetDegraded(false)
	assert.False(t, b.Degraded())
}
