// Package broker implements the broker/load balancer (component E): the
// central dispatcher that accepts client requests on a front socket,
// forwards them to idle workers on a back socket, and returns responses.
// The event loop is single-threaded and cooperative, grounded on the
// Majordomo broker's Bind/Run/ClientMsg/WorkerMsg structure, generalized
// to two independent ROUTER sockets and the JSON wire format of this spec
// instead of single-byte MDP command codes.
package broker

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	czmq "github.com/zeromq/goczmq/v4"

	"github.com/geoffjay/tacore/internal/config"
	"github.com/geoffjay/tacore/internal/metrics"
	"github.com/geoffjay/tacore/internal/registry"
	"github.com/geoffjay/tacore/internal/store"
	"github.com/geoffjay/tacore/internal/tacerr"
	"github.com/geoffjay/tacore/internal/wire"
)

// tickInterval is how often the timer services sweep/expire/metrics-snapshot
// work, per the spec's "coarse, e.g. every 100ms" guidance.
const tickInterval = 100 * time.Millisecond

// pendingEntry is one FIFO-queued request awaiting an idle worker.
type pendingEntry struct {
	requestID string
}

// Broker owns the front and back sockets and every dispatch decision.
type Broker struct {
	cfg *config.Config
	log *log.Logger

	front *czmq.Sock
	back  *czmq.Sock

	frontPoller *czmq.Poller
	backPoller  *czmq.Poller

	reg *registry.Registry
	st  *store.Store
	agg *metrics.Aggregator

	// clientAddr maps request_id -> the front-socket identity frame to
	// route the eventual response to.
	clientAddr map[string]string
	// workerAddr maps worker_id -> the back-socket identity frame used to
	// address TASK frames at that worker.
	workerAddr map[string]string

	pending []pendingEntry

	degraded int32 // set by the supervisor via SetDegraded

	lastTick time.Time
}

// New binds the front and back ROUTER sockets and constructs a Broker.
func New(cfg *config.Config, reg *registry.Registry, st *store.Store, agg *metrics.Aggregator, logger *log.Logger) (*Broker, error) {
	front, err := czmq.NewRouter(cfg.FrontendEndpoint)
	if err != nil {
		return nil, fmt.Errorf("bind front socket %s: %w", cfg.FrontendEndpoint, err)
	}
	front.SetOption(czmq.SockSetRcvhwm(500000))

	back, err := czmq.NewRouter(cfg.BackendEndpoint)
	if err != nil {
		front.Destroy()
		return nil, fmt.Errorf("bind back socket %s: %w", cfg.BackendEndpoint, err)
	}
	back.SetOption(czmq.SockSetRcvhwm(500000))

	frontPoller, err := czmq.NewPoller(front)
	if err != nil {
		front.Destroy()
		back.Destroy()
		return nil, err
	}
	backPoller, err := czmq.NewPoller(back)
	if err != nil {
		front.Destroy()
		back.Destroy()
		return nil, err
	}

	logger.WithFields(log.Fields{
		"frontend_endpoint": cfg.FrontendEndpoint,
		"backend_endpoint":  cfg.BackendEndpoint,
	}).Info("broker bound")

	return &Broker{
		cfg:         cfg,
		log:         logger,
		front:       front,
		back:        back,
		frontPoller: frontPoller,
		backPoller:  backPoller,
		reg:         reg,
		st:          st,
		agg:         agg,
		clientAddr:  make(map[string]string),
		workerAddr:  make(map[string]string),
		lastTick:    time.Now(),
	}, nil
}

// Close unbinds and destroys both sockets.
func (b *Broker) Close() error {
	b.front.Destroy()
	b.back.Destroy()
	return nil
}

// SetDegraded flips the broker's degraded-mode flag, read by the
// monitoring plane's /health handler. It is set by the supervisor when the
// restart rate limit is exceeded.
func (b *Broker) SetDegraded(degraded bool) {
	if degraded {
		atomic.StoreInt32(&b.degraded, 1)
	} else {
		atomic.StoreInt32(&b.degraded, 0)
	}
}

// Degraded reports the current degraded-mode flag.
func (b *Broker) Degraded() bool {
	return atomic.LoadInt32(&b.degraded) == 1
}

// Run services the broker's event loop until stop is closed. Back-socket
// messages are always fully drained before front-socket messages are
// serviced, so workers never stall behind a burst of client traffic.
func (b *Broker) Run(stop <-chan struct{}) {
	b.log.Debug("starting broker event loop")
	for {
		select {
		case <-stop:
			return
		default:
		}

		drained := b.drainBack()
		drained = b.serviceFrontOnce() || drained

		if time.Since(b.lastTick) >= tickInterval {
			b.tick(time.Now())
			b.lastTick = time.Now()
		}

		if !drained {
			// Nothing to do; block briefly on the back socket rather
			// than busy-spinning. Front-socket traffic that arrives
			// meanwhile is picked up on the next iteration, after the
			// wait returns or times out.
			b.waitForActivity(tickInterval)
		}
	}
}

func (b *Broker) waitForActivity(timeout time.Duration) {
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	_, _ = b.backPoller.Wait(ms)
}

// drainBack processes every currently-available back-socket message
// without blocking, returning true if at least one was processed.
func (b *Broker) drainBack() bool {
	any := false
	for {
		sock, err := b.backPoller.Wait(0)
		if err != nil || sock == nil {
			return any
		}
		frames, err := sock.RecvMessage()
		if err != nil {
			b.log.WithFields(log.Fields{"error": err}).Error("failed to receive back-socket message")
			return any
		}
		b.handleBackMessage(frames)
		any = true
	}
}

// serviceFrontOnce processes at most one currently-available front-socket
// message, returning true if one was processed.
func (b *Broker) serviceFrontOnce() bool {
	sock, err := b.frontPoller.Wait(0)
	if err != nil || sock == nil {
		return false
	}
	frames, err := sock.RecvMessage()
	if err != nil {
		b.log.WithFields(log.Fields{"error": err}).Error("failed to receive front-socket message")
		return false
	}
	b.handleFrontMessage(frames)
	return true
}

// handleBackMessage dispatches a READY/RESPONSE/HEARTBEAT frame from a
// worker, identified by the ROUTER-prepended identity frame.
func (b *Broker) handleBackMessage(frames [][]byte) {
	if len(frames) < 3 {
		b.log.WithFields(log.Fields{"frames": len(frames)}).Warn("malformed back-socket message")
		return
	}
	identity := string(frames[0])
	// frames[1] is the empty delimiter the worker's DEALER socket stacks.
	body := frames[2]

	f, err := wire.UnmarshalBackFrame(body)
	if err != nil {
		b.log.WithFields(log.Fields{"error": err}).Warn("invalid back-socket frame")
		return
	}

	switch f.Type {
	case wire.FrameReady:
		b.workerAddr[f.WorkerID] = identity
		if _, known := b.reg.Get(f.WorkerID); !known {
			// Only seen here if the supervisor's own Register call raced
			// behind this READY frame; keep PID 0 rather than guess.
			b.reg.Register(f.WorkerID, 0)
		}
		b.reg.MarkReady(f.WorkerID)
		_ = b.st.AppendWorkerEvent(store.WorkerEvent{WorkerID: f.WorkerID, Kind: "ready", At: time.Now().UTC()})
		b.log.WithFields(log.Fields{"worker_id": f.WorkerID}).Info("worker ready")
		b.tryDispatchPending()

	case wire.FrameResponse:
		b.handleWorkerResponse(f)

	case wire.FrameHeartbeat:
		b.reg.Heartbeat(f.WorkerID)

	default:
		b.log.WithFields(log.Fields{"type": f.Type}).Warn("unknown back-socket frame type")
	}
}

func (b *Broker) handleWorkerResponse(f wire.BackFrame) {
	rec, err := b.st.GetRequest(f.RequestID)
	if err != nil || rec == nil {
		b.log.WithFields(log.Fields{"request_id": f.RequestID}).Debug("discarding response for unknown request")
		return
	}
	if rec.Status != store.StatusDispatched {
		b.log.WithFields(log.Fields{"request_id": f.RequestID, "status": rec.Status}).Debug("discarding late response")
		return
	}

	// A response counts as heartbeat evidence for the owning worker.
	b.reg.Heartbeat(rec.WorkerID)
	b.reg.Release(rec.WorkerID, f.OK)

	completedAt := time.Now().UTC()
	status := store.StatusComplete
	if !f.OK {
		status = store.StatusFailed
	}
	_ = b.st.UpdateRequest(f.RequestID, store.Patch{
		Status:          status,
		CompletedAt:     &completedAt,
		ResponsePayload: f.Payload,
		ErrorCode:       f.ErrorCode,
		ErrorMessage:    f.ErrorMessage,
	})

	b.agg.Post(metrics.Event{
		Kind:      metrics.EventRequestComplete,
		Method:    rec.Method,
		LatencyNs: completedAt.Sub(rec.CreatedAt).Nanoseconds(),
	})
	if !f.OK {
		b.agg.Post(metrics.Event{Kind: metrics.EventRequestError, ErrorCode: f.ErrorCode})
	}

	b.respondToClient(f.RequestID, f.OK, f.Payload, f.ErrorCode, f.ErrorMessage, rec.Attempt)
}

// handleFrontMessage validates and enqueues a client request.
func (b *Broker) handleFrontMessage(frames [][]byte) {
	if len(frames) < 3 {
		return
	}
	identity := string(frames[0])
	body := frames[2]

	var req wire.ClientRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		b.sendFrontError(identity, "", tacerr.CodeBadRequest, "malformed request envelope", 1)
		return
	}
	const maxPayloadBytes = 1 << 20
	if len(req.Payload) > maxPayloadBytes {
		b.sendFrontError(identity, "", tacerr.CodeBadRequest, "payload too large", 1)
		return
	}

	// Decide the dispatch outcome before touching the store: an overloaded
	// request must receive no persistence write at all, not merely a
	// terminal one (see the boundary-behavior requirement for queue
	// saturation).
	_, hasIdleWorker := b.reg.PickIdle()
	if !hasIdleWorker && len(b.pending) >= b.cfg.QueueCapacity() {
		b.agg.Post(metrics.Event{Kind: metrics.EventRequestError, ErrorCode: tacerr.CodeServiceOverload})
		b.sendFrontError(identity, "", tacerr.CodeServiceOverload, "request queue is full", 1)
		return
	}

	requestID := uuid.NewString()
	b.clientAddr[requestID] = identity

	rec := &store.Record{
		RequestID:    requestID,
		SourceModule: req.SourceModule,
		Method:       req.Method,
		Payload:      req.Payload,
		Status:       store.StatusPending,
		CreatedAt:    time.Now().UTC(),
		Attempt:      1,
	}
	if err := b.st.AppendRequest(rec); err != nil {
		b.log.WithFields(log.Fields{"error": err}).Error("failed to persist request")
		b.sendFrontError(identity, requestID, tacerr.CodeBadRequest, "failed to persist request", 1)
		delete(b.clientAddr, requestID)
		return
	}
	b.agg.Post(metrics.Event{Kind: metrics.EventRequestAccepted, Method: req.Method})

	b.dispatchOrEnqueue(requestID)
}

// dispatchOrEnqueue picks an idle worker for requestID, or enqueues it in
// the bounded pending FIFO. The queue-full rejection path lives in
// handleFrontMessage, before the request is persisted; by the time a
// request reaches dispatchOrEnqueue for the first time it has already
// passed that check. Retries re-enter here with a request that is already
// persisted, so a queue that filled up in the interim simply keeps it
// pending rather than rejecting an already-durable row.
func (b *Broker) dispatchOrEnqueue(requestID string) {
	if workerID, ok := b.reg.PickIdle(); ok {
		b.assignToWorker(workerID, requestID)
		return
	}
	b.pending = append(b.pending, pendingEntry{requestID: requestID})
}

// tryDispatchPending drains the pending FIFO into newly-idle workers.
func (b *Broker) tryDispatchPending() {
	for len(b.pending) > 0 {
		workerID, ok := b.reg.PickIdle()
		if !ok {
			return
		}
		entry := b.pending[0]
		b.pending = b.pending[1:]
		b.assignToWorker(workerID, entry.requestID)
	}
}

func (b *Broker) assignToWorker(workerID, requestID string) {
	if !b.reg.Assign(workerID, requestID) {
		// Lost the race (shouldn't happen under the single-threaded
		// loop, but fail safe by re-enqueueing).
		b.pending = append([]pendingEntry{{requestID: requestID}}, b.pending...)
		return
	}

	rec, err := b.st.GetRequest(requestID)
	if err != nil || rec == nil {
		return
	}

	dispatchedAt := time.Now().UTC()
	workerIDCopy := workerID
	_ = b.st.UpdateRequest(requestID, store.Patch{
		Status:       store.StatusDispatched,
		WorkerID:     &workerIDCopy,
		DispatchedAt: &dispatchedAt,
	})

	identity, ok := b.workerAddr[workerID]
	if !ok {
		return
	}
	frame := wire.Task(requestID, rec.Method, rec.Payload)
	body, err := frame.Marshal()
	if err != nil {
		return
	}
	if err := b.back.SendMessage([][]byte{[]byte(identity), {}, body}); err != nil {
		b.log.WithFields(log.Fields{"error": err, "worker_id": workerID}).Error("failed to send task to worker")
	}
}

// respondToClient sends a response frame out the front socket, if the
// client's return address is still known.
func (b *Broker) respondToClient(requestID string, ok bool, payload json.RawMessage, errCode, errMsg string, attempt int) {
	identity, known := b.clientAddr[requestID]
	if !known {
		return
	}
	delete(b.clientAddr, requestID)

	resp := wire.ClientResponse{
		RequestID:    requestID,
		OK:           ok,
		Payload:      payload,
		ErrorCode:    errCode,
		ErrorMessage: errMsg,
		Attempt:      attempt,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := b.front.SendMessage([][]byte{[]byte(identity), {}, body}); err != nil {
		b.log.WithFields(log.Fields{"error": err, "request_id": requestID}).Error("failed to send response to client")
	}
}

func (b *Broker) sendFrontError(identity, requestID, code, msg string, attempt int) {
	resp := wire.ClientResponse{RequestID: requestID, OK: false, ErrorCode: code, ErrorMessage: msg, Attempt: attempt}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := b.front.SendMessage([][]byte{[]byte(identity), {}, body}); err != nil {
		b.log.WithFields(log.Fields{"error": err}).Error("failed to send error response to client")
	}
}

// tick runs the coarse timer work: sweeping unresponsive workers, expiring
// stale requests, and handing queued requests to any worker that has become
// idle. It posts no metrics snapshot: the aggregator is fresh-read and is
// fed only by the events already posted.
func (b *Broker) tick(now time.Time) {
	for _, requestID := range b.reg.Sweep(now, b.cfg.WorkerHeartbeatTimeout) {
		b.failOrRetry(requestID, tacerr.CodeWorkerLost, "worker became unresponsive mid-task")
	}

	stale, err := b.st.ListRecent(10000, store.Filter{})
	if err == nil {
		for _, rec := range stale {
			if rec.Status != store.StatusPending && rec.Status != store.StatusDispatched {
				continue
			}
			if now.Sub(rec.CreatedAt) > b.cfg.RequestTimeout {
				b.failOrRetry(rec.RequestID, tacerr.CodeTimeout, "request exceeded request_timeout")
			}
		}
	}

	b.tryDispatchPending()
}

// failOrRetry fails requestID with code, retrying under the same
// request_id (attempt+1) while attempts remain, else surfacing the
// terminal error to the client.
func (b *Broker) failOrRetry(requestID, code, msg string) {
	rec, err := b.st.GetRequest(requestID)
	if err != nil || rec == nil {
		return
	}
	if rec.Status != store.StatusPending && rec.Status != store.StatusDispatched {
		return
	}

	if tacerr.IsRetryable(tacerr.New(code, msg)) && rec.Attempt < b.cfg.MaxRetries {
		nextAttempt := rec.Attempt + 1
		pendingStatus := store.StatusPending
		err := b.st.UpdateRequest(requestID, store.Patch{
			Status:  pendingStatus,
			Attempt: &nextAttempt,
		})
		if err != nil {
			return
		}
		b.dispatchOrEnqueue(requestID)
		return
	}

	terminalStatus := store.StatusTimeout
	if code == tacerr.CodeWorkerLost {
		terminalStatus = store.StatusFailed
	}
	b.log.WithFields(log.Fields{
		"request_id":       requestID,
		"error_code":       code,
		"attempt":          rec.Attempt,
		"terminal_by_code": tacerr.IsTerminal(tacerr.New(code, msg)),
	}).Warn("surfacing terminal error to client")
	completedAt := time.Now().UTC()
	_ = b.st.UpdateRequest(requestID, store.Patch{
		Status:       terminalStatus,
		CompletedAt:  &completedAt,
		ErrorCode:    code,
		ErrorMessage: msg,
	})
	b.agg.Post(metrics.Event{Kind: metrics.EventRequestError, ErrorCode: code})
	b.respondToClient(requestID, false, nil, code, msg, rec.Attempt)
}
