package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/kbinani/screenshot"
	"golang.org/x/image/draw"
)

// Frames larger than this get scaled down before encoding; the model
// does not benefit from full-resolution screenshots and they bloat the
// outbound stream.
const maxFrameWidth = 1024

const jpegQuality = 70

// Screen captures one display as periodic JPEG frames.
type Screen struct {
	display  int
	maxWidth int
}

func OpenScreen(display int) (*Screen, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, fmt.Errorf("%w: no active displays", ErrDeviceUnavailable)
	}
	if display < 0 || display >= n {
		return nil, fmt.Errorf("%w: display %d out of range (%d displays)", ErrDeviceUnavailable, display, n)
	}
	return &Screen{display: display, maxWidth: maxFrameWidth}, nil
}

func (s *Screen) Capture() ([]byte, string, error) {
	img, err := screenshot.CaptureDisplay(s.display)
	if err != nil {
		return nil, "", err
	}
	return encodeFrame(img, s.maxWidth)
}

func (s *Screen) Close() error { return nil }

// OpenCamera is a placeholder until a webcam backend lands; the session
// degrades to audio-only when it fails.
func OpenCamera() (*Screen, error) {
	return nil, fmt.Errorf("%w: camera capture not supported on this build", ErrDeviceUnavailable)
}

func encodeFrame(img image.Image, maxWidth int) ([]byte, string, error) {
	img = scaleToWidth(img, maxWidth)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/jpeg", nil
}

func scaleToWidth(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}

	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
