package worker

import (
	"encoding/json"
	"fmt"
	"time"
)

// sleepRequest is the payload shape accepted by the sleep reference handler.
type sleepRequest struct {
	Milliseconds int `json:"milliseconds"`
}

const maxSleepMillis = 60_000

// EchoHandler returns its input payload unchanged, useful for exercising
// the dispatch path without any real business logic.
func EchoHandler(payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

// SleepHandler blocks for the requested duration before echoing its input,
// useful for exercising timeout and retry behavior deterministically.
func SleepHandler(payload json.RawMessage) (json.RawMessage, error) {
	var req sleepRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid sleep payload: %w", err)
		}
	}
	if req.Milliseconds < 0 || req.Milliseconds > maxSleepMillis {
		return nil, fmt.Errorf("milliseconds must be between 0 and %d", maxSleepMillis)
	}
	time.Sleep(time.Duration(req.Milliseconds) * time.Millisecond)
	return payload, nil
}

// RegisterDefaults installs the echo and sleep reference handlers.
func RegisterDefaults(w *Worker) {
	w.Register("echo", EchoHandler)
	w.Register("sleep", SleepHandler)
}
