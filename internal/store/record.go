package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a request record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusDispatched Status = "DISPATCHED"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
	StatusTimeout    Status = "TIMEOUT"
)

// Record is a single request/response row, gob-encoded into the requests
// bucket and indexed by CreatedAt in the by_created_at bucket.
type Record struct {
	RequestID    string
	SourceModule string
	Method       string
	Payload      []byte
	Status       Status
	WorkerID     string

	CreatedAt    time.Time
	DispatchedAt time.Time
	CompletedAt  time.Time

	ResponsePayload []byte
	ErrorCode       string
	ErrorMessage    string

	Attempt int
}

// Patch describes a partial update applied atomically by UpdateRequest.
type Patch struct {
	Status          Status
	WorkerID        *string
	DispatchedAt    *time.Time
	CompletedAt     *time.Time
	ResponsePayload []byte
	ErrorCode       string
	ErrorMessage    string
	Attempt         *int
}

// terminal reports whether s is one of the terminal statuses.
func (s Status) terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// Filter narrows list_recent by the keys the spec names.
type Filter struct {
	Status       Status
	Method       string
	SourceModule string
}

func (f Filter) matches(r *Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Method != "" && r.Method != f.Method {
		return false
	}
	if f.SourceModule != "" && r.SourceModule != f.SourceModule {
		return false
	}
	return true
}

// WorkerEvent is a lifecycle audit entry appended to the worker_events
// bucket; not part of the request record contract but named by the
// overview's "worker lifecycle event" line item.
type WorkerEvent struct {
	WorkerID string
	Kind     string
	At       time.Time
}

// PublicView is the JSON shape exposed by the monitoring plane's
// /requests/recent and /requests/{id} endpoints: the spec's
// request_record_public_view. It is a distinct type from Record (rather
// than json tags on Record itself) so the gob-encoded storage shape and the
// public API shape can evolve independently, and so payload fields are
// carried as json.RawMessage instead of Record's []byte, avoiding a
// base64-encoded blob in the HTTP response.
type PublicView struct {
	RequestID    string `json:"request_id"`
	SourceModule string `json:"source_module,omitempty"`
	Method       string `json:"method"`
	Status       Status `json:"status"`
	WorkerID     string `json:"worker_id,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	DispatchedAt time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`

	Payload         json.RawMessage `json:"payload,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`

	Attempt int `json:"attempt"`
}

// ToPublicView converts a Record to its public API shape.
func (r *Record) ToPublicView() PublicView {
	return PublicView{
		RequestID:       r.RequestID,
		SourceModule:    r.SourceModule,
		Method:          r.Method,
		Status:          r.Status,
		WorkerID:        r.WorkerID,
		CreatedAt:       r.CreatedAt,
		DispatchedAt:    r.DispatchedAt,
		CompletedAt:     r.CompletedAt,
		Payload:         json.RawMessage(r.Payload),
		ResponsePayload: json.RawMessage(r.ResponsePayload),
		ErrorCode:       r.ErrorCode,
		ErrorMessage:    r.ErrorMessage,
		Attempt:         r.Attempt,
	}
}
