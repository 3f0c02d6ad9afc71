package session

import "sync"

// PlaybackBuffer absorbs bursty inbound audio and feeds the sink at its
// own cadence. Bounded: when full the oldest chunk is dropped, since a
// micro-gap beats playing stale speech. Clear is the interruption path
// and must never block.
type PlaybackBuffer struct {
	mu      sync.Mutex
	chunks  [][]byte
	cap     int
	dropped uint64
}

const DefaultPlaybackCapacity = 128 // chunks; ~10ms-40ms of audio each

func NewPlaybackBuffer(capacity int) *PlaybackBuffer {
	if capacity <= 0 {
		capacity = DefaultPlaybackCapacity
	}
	return &PlaybackBuffer{cap: capacity}
}

func (b *PlaybackBuffer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) >= b.cap {
		over := len(b.chunks) - b.cap + 1
		b.chunks = b.chunks[over:]
		b.dropped += uint64(over)
	}
	b.chunks = append(b.chunks, chunk)
}

// PopNext never blocks; the sink loop governs its own timing.
func (b *PlaybackBuffer) PopNext() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		return nil, false
	}
	chunk := b.chunks[0]
	b.chunks = b.chunks[1:]
	return chunk, true
}

func (b *PlaybackBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
}

func (b *PlaybackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Dropped reports how many chunks overflow has discarded so far.
func (b *PlaybackBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
