package channel

import (
	"context"
	"errors"

	"ollie/internal/tools"
)

// ErrUnavailable means the remote endpoint could not be reached at
// session start.
var ErrUnavailable = errors.New("model channel unavailable")

type EventKind uint

const (
	EventAudio EventKind = iota
	EventTranscript
	EventToolCall
	EventInterrupted
	EventTurnComplete
	EventClosed
)

// Event is one tagged inbound item from the model. Exactly the fields
// for its Kind are set.
type Event struct {
	Kind  EventKind
	Audio []byte      // EventAudio: 24 kHz mono PCM16 LE
	Text  string      // EventTranscript
	Call  *tools.Call // EventToolCall
	Err   error       // EventClosed; nil on clean close
}

// Channel is the bidirectional stream to the remote model. Sends are
// ordered fire-and-forget per item. Receive blocks for the next event;
// EventClosed is terminal and Receive must not be called again after it.
type Channel interface {
	SendAudio(pcm []byte) error // 16 kHz mono PCM16 LE
	SendFrame(mime string, data []byte) error
	SendText(text string) error // synthetic end-of-turn user text
	SendToolResult(res tools.Result) error
	Receive() Event
	Close() error
}

// DialFunc establishes a Channel for one session.
type DialFunc func(ctx context.Context) (Channel, error)
