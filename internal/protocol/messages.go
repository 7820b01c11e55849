package protocol

import (
	"encoding/json"
	"time"
)

// ControlRequest asks the recorder to perform one action.
type ControlRequest struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
}

// ControlReply answers a ControlRequest. State is the snapshot after the
// action ran, encoded as the recorder publishes it on SubjectState.
type ControlReply struct {
	RequestID string          `json:"request_id,omitempty"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ItemChanged is broadcast whenever the current work item changes.
type ItemChanged struct {
	SessionID  string    `json:"session_id,omitempty"`
	FileName   string    `json:"file_name,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Complete   bool      `json:"complete"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionReset  = "reset"
	ActionSubmit = "submit"
	ActionReload = "reload"
	ActionState  = "state"
)

const (
	SubjectControl = "recorder.control"
	SubjectState   = "recorder.state"
	SubjectItem    = "recorder.item"
)
