package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ollie/internal/session"
)

func TestPlayUnknownChimeIsNoop(t *testing.T) {
	buf := session.NewPlaybackBuffer(8)
	n := New(buf)

	n.Play("missing")
	assert.Zero(t, buf.Len())
}

func TestPlayChunksIntoBuffer(t *testing.T) {
	buf := session.NewPlaybackBuffer(32)
	n := New(buf)
	n.chimes["ping"] = make([]float32, chunkSamples*2+10)

	n.Play("ping")
	assert.Equal(t, 3, buf.Len(), "two full chunks plus a short tail")
}
