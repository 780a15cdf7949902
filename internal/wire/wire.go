// Package wire defines the JSON frame bodies exchanged on the broker's
// front (client-facing) and back (worker-facing) sockets.
package wire

import "encoding/json"

// ClientRequest is the logical body of a front-socket request frame.
type ClientRequest struct {
	Method       string          `json:"method"`
	SourceModule string          `json:"source_module,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// ClientResponse is the logical body of a front-socket response frame.
type ClientResponse struct {
	RequestID    string          `json:"request_id"`
	OK           bool            `json:"ok"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempt      int             `json:"attempt"`
}

// FrameType enumerates the four logical back-socket frame kinds.
type FrameType string

const (
	FrameReady     FrameType = "ready"
	FrameTask      FrameType = "task"
	FrameResponse  FrameType = "response"
	FrameHeartbeat FrameType = "heartbeat"
)

// BackFrame is the envelope carried as the single payload frame on the
// back (broker<->worker) socket. Only the fields relevant to Type are set.
type BackFrame struct {
	Type         FrameType       `json:"type"`
	WorkerID     string          `json:"worker_id,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Method       string          `json:"method,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Ready builds a READY frame.
func Ready(workerID string) BackFrame {
	return BackFrame{Type: FrameReady, WorkerID: workerID}
}

// Heartbeat builds a HEARTBEAT frame.
func Heartbeat(workerID string) BackFrame {
	return BackFrame{Type: FrameHeartbeat, WorkerID: workerID}
}

// Task builds a TASK frame.
func Task(requestID, method string, payload json.RawMessage) BackFrame {
	return BackFrame{Type: FrameTask, RequestID: requestID, Method: method, Payload: payload}
}

// Response builds a RESPONSE frame.
func Response(requestID string, ok bool, payload json.RawMessage, errCode, errMsg string) BackFrame {
	return BackFrame{
		Type:         FrameResponse,
		RequestID:    requestID,
		OK:           ok,
		Payload:      payload,
		ErrorCode:    errCode,
		ErrorMessage: errMsg,
	}
}

// Marshal encodes a BackFrame to its wire representation.
func (f BackFrame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalBackFrame decodes a BackFrame from its wire representation.
func UnmarshalBackFrame(data []byte) (BackFrame, error) {
	var f BackFrame
	err := json.Unmarshal(data, &f)
	return f, err
}
