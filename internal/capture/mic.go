package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var ErrDeviceUnavailable = errors.New("capture device unavailable")

const (
	SampleRate = 16000
	FrameSize  = 320 // 20ms at 16 kHz
)

// Init must be called once before opening any microphone.
func Init() error {
	return portaudio.Initialize()
}

func Terminate() {
	portaudio.Terminate()
}

// Mic is a mono capture stream producing 20ms float32 frames.
type Mic struct {
	stream    *portaudio.Stream
	buf       []float32
	closeOnce sync.Once
	closeErr  error
}

// OpenMic opens the capture device. deviceIndex < 0 selects the system
// default input.
func OpenMic(deviceIndex int) (*Mic, error) {
	buf := make([]float32, FrameSize)

	var (
		stream *portaudio.Stream
		err    error
	)
	if deviceIndex < 0 {
		stream, err = portaudio.OpenDefaultStream(1, 0, SampleRate, len(buf), buf)
	} else {
		stream, err = openIndexedStream(deviceIndex, buf)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	return &Mic{stream: stream, buf: buf}, nil
}

func openIndexedStream(index int, buf []float32) (*portaudio.Stream, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if index >= len(devices) {
		return nil, fmt.Errorf("input device index %d out of range (%d devices)", index, len(devices))
	}
	dev := devices[index]
	if dev.MaxInputChannels < 1 {
		return nil, fmt.Errorf("device %q has no input channels", dev.Name)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = SampleRate
	params.FramesPerBuffer = len(buf)
	return portaudio.OpenStream(params, buf)
}

// ReadFrame blocks on the hardware read and returns a copy of the
// captured frame. Errors after Close are expected and terminal.
func (m *Mic) ReadFrame() ([]float32, error) {
	if err := m.stream.Read(); err != nil {
		return nil, err
	}
	out := make([]float32, len(m.buf))
	copy(out, m.buf)
	return out, nil
}

func (m *Mic) SampleRate() int { return SampleRate }

// Close aborts the stream, unblocking any in-flight ReadFrame.
func (m *Mic) Close() error {
	m.closeOnce.Do(func() {
		_ = m.stream.Abort()
		m.closeErr = m.stream.Close()
	})
	return m.closeErr
}

// ListInputDevices enumerates capture-capable devices for the settings
// surface. Init must have been called.
func ListInputDevices() ([]string, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(devices))
	for i, d := range devices {
		if d.MaxInputChannels > 0 {
			out = append(out, fmt.Sprintf("%d: %s", i, d.Name))
		}
	}
	return out, nil
}
