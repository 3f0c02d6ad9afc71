// Package record taps the assistant's spoken audio into WAV files for
// later review.
package record

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "log/slog"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Writer appends PCM16LE chunks to a timestamped WAV file. Write is
// safe for concurrent use with Close; chunks arriving after Close are
// dropped.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	rate   int
	closed bool
	path   string
}

func New(dir string, sampleRate int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("session-%s.wav", time.Now().Format("20060102-150405")))
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	log.Info("recording session audio", "path", path)
	return &Writer{f: f, enc: enc, rate: sampleRate, path: path}, nil
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Write(pcm []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || len(pcm) < 2 {
		return
	}

	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: w.rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := w.enc.Write(buf); err != nil {
		log.Warn("recording write failed", "err", err)
	}
}

// Close finalizes the WAV header.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.enc.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
