package backend

import (
	"ollie/internal/session"
	"ollie/internal/tools"
)

// Command types accepted from clients.
const (
	cmdStartAudio    = "start_audio"
	cmdStopAudio     = "stop_audio"
	cmdUserInput     = "user_input"
	cmdConfirmTool   = "confirm_tool"
	cmdUpdatePerms   = "update_permissions"
	cmdSetPaused     = "set_paused"
	cmdClearPlayback = "clear_playback"
)

// Event types sent to clients.
const (
	evtStatus       = "status"
	evtAudioData    = "audio_data"
	evtTranscript   = "transcript"
	evtConfirmation = "tool_confirmation"
	evtToolResult   = "tool_result"
	evtError        = "error"
)

type command struct {
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`
	Video       string            `json:"video,omitempty"`
	CallID      string            `json:"call_id,omitempty"`
	Approved    bool              `json:"approved,omitempty"`
	Paused      bool              `json:"paused,omitempty"`
	Permissions map[string]string `json:"permissions,omitempty"`
}

type event struct {
	Type   string         `json:"type"`
	State  string         `json:"state,omitempty"`
	Detail string         `json:"detail,omitempty"`
	Audio  []byte         `json:"audio,omitempty"` // base64 over the wire
	Text   string         `json:"text,omitempty"`
	CallID string         `json:"call_id,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Status string         `json:"status,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// encodeEvent maps an orchestrator event onto the wire format.
func encodeEvent(ev session.Event) event {
	switch ev.Kind {
	case session.EventStatus:
		return event{Type: evtStatus, State: string(ev.State), Detail: ev.Detail}
	case session.EventAudio:
		return event{Type: evtAudioData, Audio: ev.Audio}
	case session.EventTranscript:
		return event{Type: evtTranscript, Text: ev.Text}
	case session.EventConfirmRequest:
		return event{
			Type:   evtConfirmation,
			CallID: ev.Call.ID,
			Tool:   ev.Call.Name,
			Args:   ev.Call.Args,
		}
	case session.EventToolResult:
		return event{
			Type:   evtToolResult,
			CallID: ev.Result.ID,
			Tool:   ev.Result.Name,
			Status: string(ev.Result.Status),
			Result: ev.Result.Payload,
		}
	case session.EventError:
		return event{Type: evtError, Detail: ev.Err.Error()}
	}
	return event{Type: evtError, Detail: "unknown event"}
}

func parseLevels(perms map[string]string) map[string]tools.Level {
	out := make(map[string]tools.Level, len(perms))
	for tool, level := range perms {
		out[tool] = tools.Level(level)
	}
	return out
}
