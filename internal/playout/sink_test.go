package playout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollie/internal/session"
	"ollie/pkg/audioconv"
)

func TestBufferStreamerDrains(t *testing.T) {
	buf := session.NewPlaybackBuffer(4)
	buf.Push(audioconv.Float32ToPCM16LE([]float32{0.5, -0.5}))

	s := &bufferStreamer{buf: buf}
	out := make([][2]float64, 4)
	n, ok := s.Stream(out)
	require.True(t, ok)
	require.Equal(t, 4, n)

	assert.InDelta(t, 0.5, out[0][0], 0.001)
	assert.InDelta(t, out[0][0], out[0][1], 1e-9, "mono chunk duplicated to both channels")
	assert.InDelta(t, -0.5, out[1][0], 0.001)
	assert.Equal(t, [2]float64{}, out[2], "silence once the buffer is empty")
	assert.Equal(t, [2]float64{}, out[3])
}

func TestBufferStreamerSpansChunks(t *testing.T) {
	buf := session.NewPlaybackBuffer(4)
	buf.Push(audioconv.Float32ToPCM16LE([]float32{0.25}))
	buf.Push(audioconv.Float32ToPCM16LE([]float32{0.75}))

	s := &bufferStreamer{buf: buf}
	out := make([][2]float64, 2)
	s.Stream(out)

	assert.InDelta(t, 0.25, out[0][0], 0.001)
	assert.InDelta(t, 0.75, out[1][0], 0.001)
	assert.Zero(t, buf.Len())
}

func TestBufferStreamerNeverEnds(t *testing.T) {
	s := &bufferStreamer{buf: session.NewPlaybackBuffer(1)}
	out := make([][2]float64, 8)
	n, ok := s.Stream(out)
	assert.True(t, ok)
	assert.Equal(t, 8, n)
}
