package session

import "ollie/internal/tools"

// State of the one session an Orchestrator owns.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// VideoMode selects the frame source for a session.
type VideoMode string

const (
	VideoNone   VideoMode = "none"
	VideoCamera VideoMode = "camera"
	VideoScreen VideoMode = "screen"
)

type EventKind uint

const (
	EventStatus EventKind = iota
	EventAudio
	EventTranscript
	EventConfirmRequest
	EventToolResult
	EventError
)

// Event is one outward notification to whoever drives the session (the
// desktop frontend or the websocket backend). Kind-tagged; only the
// matching fields are set.
type Event struct {
	Kind   EventKind
	State  State         // EventStatus
	Detail string        // EventStatus: human-readable note (e.g. video degraded)
	Audio  []byte        // EventAudio: inbound 24 kHz PCM16 LE
	Text   string        // EventTranscript
	Call   *tools.Call   // EventConfirmRequest
	Result *tools.Result // EventToolResult
	Err    error         // EventError
}
