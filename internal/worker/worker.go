// Package worker implements the worker process (component C): a
// long-lived process dialing the broker's backend endpoint, handling one
// TASK to completion before reading the next, grounded on the Majordomo
// worker's ConnectToBroker/Recv/Reply loop but speaking this spec's JSON
// back-socket frames instead of single-byte MDP command codes.
package worker

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	czmq "github.com/zeromq/goczmq/v4"

	"github.com/geoffjay/tacore/internal/tacerr"
	"github.com/geoffjay/tacore/internal/wire"
)

// maxErrorMessageLen bounds a truncated handler-failure message, per the
// spec's "truncated to a bounded length" requirement.
const maxErrorMessageLen = 512

// Handler is a business method: payload in, payload or error out.
type Handler func(payload json.RawMessage) (json.RawMessage, error)

// Worker pulls TASK frames from the broker and dispatches them to a
// method -> Handler registry.
type Worker struct {
	workerID string
	endpoint string

	sock   *czmq.Sock
	poller *czmq.Poller

	handlers map[string]Handler

	heartbeatInterval time.Duration
	log               *log.Logger

	nextHeartbeatAt time.Time
}

// New connects a DEALER socket to endpoint and returns a Worker.
func New(workerID, endpoint string, heartbeatInterval time.Duration, logger *log.Logger) (*Worker, error) {
	sock, err := czmq.NewDealer(endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect to backend %s: %w", endpoint, err)
	}
	poller, err := czmq.NewPoller(sock)
	if err != nil {
		sock.Destroy()
		return nil, err
	}

	return &Worker{
		workerID:          workerID,
		endpoint:          endpoint,
		sock:              sock,
		poller:            poller,
		handlers:          make(map[string]Handler),
		heartbeatInterval: heartbeatInterval,
		log:               logger,
		nextHeartbeatAt:   time.Now().Add(heartbeatInterval),
	}, nil
}

// Close destroys the underlying socket.
func (w *Worker) Close() {
	w.sock.Destroy()
}

// Register installs a handler for method, overwriting any prior one.
func (w *Worker) Register(method string, h Handler) {
	w.handlers[method] = h
}

// Run emits READY, then services TASK frames until stop is closed. On
// stop, it finishes any in-flight request before returning (the loop is
// cooperative and only checks stop between requests, per the "finish the
// in-flight request, then exit" requirement).
func (w *Worker) Run(stop <-chan struct{}) error {
	if err := w.sendFrame(wire.Ready(w.workerID)); err != nil {
		return fmt.Errorf("send READY: %w", err)
	}
	w.log.WithFields(log.Fields{"worker_id": w.workerID}).Info("worker ready")

	pollMs := int(w.heartbeatInterval / time.Millisecond)
	if pollMs <= 0 {
		pollMs = 1
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		sock, err := w.poller.Wait(pollMs)
		if err != nil {
			return fmt.Errorf("poll backend socket: %w", err)
		}
		if sock == nil {
			w.maybeHeartbeat()
			continue
		}

		frames, err := sock.RecvMessage()
		if err != nil {
			return fmt.Errorf("receive from backend: %w", err)
		}
		if len(frames) < 2 {
			continue
		}
		// frames[0] is the empty delimiter this DEALER stacks itself on
		// send; on receive from a ROUTER peer there is no identity frame
		// since the DEALER only has one peer.
		body := frames[len(frames)-1]

		f, err := wire.UnmarshalBackFrame(body)
		if err != nil {
			w.log.WithFields(log.Fields{"error": err}).Warn("invalid frame from broker")
			continue
		}

		if f.Type == wire.FrameTask {
			w.handleTask(f)
			w.nextHeartbeatAt = time.Now().Add(w.heartbeatInterval)
		}
	}
}

func (w *Worker) maybeHeartbeat() {
	if time.Now().Before(w.nextHeartbeatAt) {
		return
	}
	if err := w.sendFrame(wire.Heartbeat(w.workerID)); err != nil {
		w.log.WithFields(log.Fields{"error": err}).Error("failed to send heartbeat")
	}
	w.nextHeartbeatAt = time.Now().Add(w.heartbeatInterval)
}

func (w *Worker) handleTask(f wire.BackFrame) {
	handler, ok := w.handlers[f.Method]
	if !ok {
		w.reply(f.RequestID, false, nil, tacerr.CodeUnknownMethod, "no handler registered for method "+f.Method)
		return
	}

	payload, err := w.invoke(handler, f.Payload)
	if err != nil {
		msg := truncate(err.Error(), maxErrorMessageLen)
		w.reply(f.RequestID, false, nil, tacerr.CodeHandlerFailure, msg)
		return
	}
	w.reply(f.RequestID, true, payload, "", "")
}

// invoke calls handler, recovering a panic as a handler failure so a single
// bad business method cannot bring the worker process down mid-task.
func (w *Worker) invoke(handler Handler, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(payload)
}

func (w *Worker) reply(requestID string, ok bool, payload json.RawMessage, errCode, errMsg string) {
	frame := wire.Response(requestID, ok, payload, errCode, errMsg)
	if err := w.sendFrame(frame); err != nil {
		w.log.WithFields(log.Fields{"error": err, "request_id": requestID}).Error("failed to send response")
	}
}

func (w *Worker) sendFrame(f wire.BackFrame) error {
	body, err := f.Marshal()
	if err != nil {
		return err
	}
	return w.sock.SendMessage([][]byte{{}, body})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
