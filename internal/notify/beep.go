// Package notify plays short audible cues through the assistant's own
// output path, so chimes honor interruption and never fight the model's
// speech for the device.
package notify

import (
	"context"
	"fmt"

	log "log/slog"

	"ollie/internal/playout"
	"ollie/internal/session"
	"ollie/pkg/audioconv"
)

// chunkSamples is 40ms at the playout rate.
const chunkSamples = playout.SampleRate / 25

// Notifier decodes chime files once and replays them on demand.
type Notifier struct {
	buf    *session.PlaybackBuffer
	chimes map[string][]float32
}

func New(buf *session.PlaybackBuffer) *Notifier {
	return &Notifier{buf: buf, chimes: map[string][]float32{}}
}

// Load decodes an audio file (wav, mp3, ogg) and caches it under name.
func (n *Notifier) Load(ctx context.Context, name, path string) error {
	pcm, err := audioconv.ConvertFileToPCM(ctx, path, playout.SampleRate, audioconv.Options{})
	if err != nil {
		return fmt.Errorf("load chime %q: %w", name, err)
	}
	n.chimes[name] = pcm
	return nil
}

// Play queues a loaded chime for playback. Unknown names are logged and
// dropped; a missing chime is never worth failing an operation over.
func (n *Notifier) Play(name string) {
	pcm, ok := n.chimes[name]
	if !ok {
		log.Warn("unknown chime", "name", name)
		return
	}
	for start := 0; start < len(pcm); start += chunkSamples {
		end := start + chunkSamples
		if end > len(pcm) {
			end = len(pcm)
		}
		n.buf.Push(audioconv.Float32ToPCM16LE(pcm[start:end]))
	}
}
