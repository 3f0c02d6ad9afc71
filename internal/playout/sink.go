// Package playout drains the playback buffer into the speakers.
package playout

import (
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"

	"ollie/internal/session"
	"ollie/pkg/audioconv"
)

// SampleRate is the rate of model audio and chimes pushed into the
// playback buffer.
const SampleRate = 24000

// Sink owns the speaker and streams whatever the playback buffer holds,
// emitting silence when it is empty. Interruption works by clearing the
// buffer upstream; the sink just stops finding chunks.
type Sink struct {
	stream   *bufferStreamer
	initOnce sync.Once
	initErr  error
}

func NewSink(buf *session.PlaybackBuffer) *Sink {
	return &Sink{stream: &bufferStreamer{buf: buf}}
}

// Start initializes the speaker and begins draining. Safe to call once.
func (s *Sink) Start() error {
	s.initOnce.Do(func() {
		sr := beep.SampleRate(SampleRate)
		s.initErr = speaker.Init(sr, sr.N(time.Second/20))
		if s.initErr == nil {
			speaker.Play(s.stream)
		}
	})
	return s.initErr
}

func (s *Sink) Stop() {
	speaker.Clear()
}

type bufferStreamer struct {
	buf *session.PlaybackBuffer
	cur []float32
	pos int
}

func (b *bufferStreamer) Stream(samples [][2]float64) (int, bool) {
	for i := range samples {
		if b.pos >= len(b.cur) {
			chunk, ok := b.buf.PopNext()
			if !ok {
				samples[i] = [2]float64{}
				continue
			}
			b.cur = audioconv.PCM16LEToFloat32(chunk)
			b.pos = 0
			if len(b.cur) == 0 {
				samples[i] = [2]float64{}
				continue
			}
		}
		v := float64(b.cur[b.pos])
		b.pos++
		samples[i] = [2]float64{v, v}
	}
	return len(samples), true
}

func (b *bufferStreamer) Err() error { return nil }
