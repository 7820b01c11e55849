package coordinator

import "github.com/loqalabs/loqa-recorder/internal/workitem"

// Phase is the single tagged state of the recording loop.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRecording  Phase = "recording"
	PhaseStopped    Phase = "stopped" // stopped with buffered audio
	PhaseSubmitting Phase = "submitting"
	PhaseFetching   Phase = "fetching"
	PhaseComplete   Phase = "complete"
)

// Busy reports whether a network request owns the loop.
func (p Phase) Busy() bool {
	return p == PhaseSubmitting || p == PhaseFetching
}

// Snapshot is the observable state. Recording and Submitting are the
// projections of Phase that drive which actions are enabled.
type Snapshot struct {
	Phase      Phase              `json:"phase"`
	SessionID  string             `json:"session_id,omitempty"`
	Item       *workitem.WorkItem `json:"item,omitempty"`
	Chunks     int                `json:"chunks"`
	Bytes      int                `json:"bytes"`
	Recording  bool               `json:"recording"`
	Submitting bool               `json:"submitting"`
	Complete   bool               `json:"complete"`
	LastError  string             `json:"last_error,omitempty"`

	// CaptureOpen is true while the microphone stream is held.
	CaptureOpen bool `json:"capture_open"`
}

// CanStart reports whether Start would begin capture.
func (s Snapshot) CanStart() bool {
	return s.Item != nil && (s.Phase == PhaseIdle || s.Phase == PhaseStopped)
}

// CanSubmit reports whether Submit would issue a request.
func (s Snapshot) CanSubmit() bool {
	return s.Item != nil && s.Chunks > 0 && (s.Phase == PhaseRecording || s.Phase == PhaseStopped)
}
