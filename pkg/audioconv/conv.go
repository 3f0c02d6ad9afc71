package audioconv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
)

type Options struct {
	MaxSamples int
}

// ConvertFileToPCM decodes an audio file (wav/mp3/ogg-vorbis/opus) into
// mono float32 PCM at the given sample rate.
func ConvertFileToPCM(_ context.Context, path string, rate int, opt Options) ([]float32, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("invalid target rate %d", rate)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav":
		return decodeWAV(f, rate, opt)
	case ".mp3":
		return decodeMP3(f, rate, opt)
	case ".ogg", ".oga":
		if s, err := decodeOggVorbis(f, rate, opt); err == nil {
			return s, nil
		}
		if _, e2 := f.Seek(0, io.SeekStart); e2 == nil {
			if s2, e3 := decodeOggOpus(f, rate, opt); e3 == nil {
				return s2, nil
			}
		}
		return nil, fmt.Errorf("cannot decode %s as Vorbis or Opus", ext)
	default:
		// Sniff the container magic
		br := bufio.NewReader(f)
		magic, _ := br.Peek(4)
		_, _ = f.Seek(0, io.SeekStart)
		switch string(magic) {
		case "RIFF":
			return decodeWAV(f, rate, opt)
		case "OggS":
			if s, err := decodeOggVorbis(f, rate, opt); err == nil {
				return s, nil
			}
			if _, e2 := f.Seek(0, io.SeekStart); e2 == nil {
				if s2, e3 := decodeOggOpus(f, rate, opt); e3 == nil {
					return s2, nil
				}
			}
			return nil, errors.New("cannot decode Ogg container")
		default:
			return nil, fmt.Errorf("unsupported format: %s", ext)
		}
	}
}

func decodeWAV(r io.ReadSeeker, rate int, opt Options) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav")
	}
	pb, err := dec.FullPCMBuffer()
	if err != nil || pb == nil || pb.Data == nil {
		if err == nil {
			err = errors.New("empty wav")
		}
		return nil, err
	}

	bd := int(dec.BitDepth)
	if bd == 0 {
		bd = 16
	}
	x := intSliceToFloat32(pb.Data, bd)

	ch := 1
	sr := 44100
	if pb.Format != nil {
		if pb.Format.NumChannels > 0 {
			ch = pb.Format.NumChannels
		}
		if pb.Format.SampleRate > 0 {
			sr = pb.Format.SampleRate
		}
	}
	if ch > 1 {
		x = Downmix(x, ch)
	}
	if sr != rate {
		x = Resample(x, sr, rate)
	}
	return capSamples(x, opt), nil
}

func decodeMP3(r io.Reader, rate int, opt Options) ([]float32, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	var raw bytes.Buffer
	if _, err := io.Copy(&raw, dec); err != nil {
		return nil, err
	}
	ints := make([]int16, raw.Len()/2)
	if err := binary.Read(bytes.NewReader(raw.Bytes()), binary.LittleEndian, &ints); err != nil {
		return nil, err
	}
	x := int16SliceToFloat32(ints)
	x = Downmix(x, 2) // mp3 decoder outputs stereo

	sr := dec.SampleRate()
	if sr <= 0 {
		sr = 44100
	}
	if sr != rate {
		x = Resample(x, sr, rate)
	}
	return capSamples(x, opt), nil
}

func decodeOggVorbis(r io.Reader, rate int, opt Options) ([]float32, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, errors.New("invalid ogg/vorbis stream")
	}
	x := pcm
	if format.Channels > 1 {
		x = Downmix(pcm, format.Channels)
	}
	if format.SampleRate != rate {
		x = Resample(x, format.SampleRate, rate)
	}
	return capSamples(x, opt), nil
}

func decodeOggOpus(r io.Reader, rate int, opt Options) ([]float32, error) {
	var rs io.ReadSeeker
	switch v := r.(type) {
	case io.ReadSeeker:
		rs = v
	default:
		b, err := io.ReadAll(v)
		if err != nil {
			return nil, err
		}
		rs = bytes.NewReader(b)
	}

	dec, err := popus.NewDecoder(rs)
	if err != nil {
		return nil, err
	}
	defer dec.Destroy()

	ch := dec.ChannelCount()
	if ch <= 0 {
		ch = 1
	}

	// Opus always decodes at 48k
	var (
		pcm48 []float32
		buf   = make([]int16, 48_000*ch/2)
	)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			pcm48 = append(pcm48, int16SliceToFloat32(buf[:n*ch])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if len(pcm48) == 0 {
		return nil, nil
	}
	if ch > 1 {
		pcm48 = Downmix(pcm48, ch)
	}
	out := Resample(pcm48, 48000, rate)
	return capSamples(out, opt), nil
}

func capSamples(x []float32, opt Options) []float32 {
	if opt.MaxSamples > 0 && len(x) > opt.MaxSamples {
		return x[:opt.MaxSamples]
	}
	return x
}

// Float32ToPCM16LE converts mono float32 samples in [-1,1] to
// little-endian 16-bit PCM bytes, the wire format of the live channel.
func Float32ToPCM16LE(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		v := clamp(float64(s), -1.0, 1.0)
		n := int16(math.Round(v * 32767.0))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(n))
	}
	return out
}

// PCM16LEToFloat32 is the inverse of Float32ToPCM16LE. A trailing odd
// byte is ignored.
func PCM16LEToFloat32(in []byte) []float32 {
	n := len(in) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(in[i*2:]))
		out[i] = float32(float64(v) / 32768.0)
	}
	return out
}

func intSliceToFloat32(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	for i, v := range data {
		out[i] = float32(clamp(float64(v)*scale, -1.0, 1.0))
	}
	return out
}

func int16SliceToFloat32(data []int16) []float32 {
	out := make([]float32, len(data))
	const scale = 1.0 / 32768.0
	for i, v := range data {
		out[i] = float32(float64(v) * scale)
	}
	return out
}

// Downmix averages interleaved channels into mono.
func Downmix(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	nFrames := len(in) / channels
	out := make([]float32, nFrames)
	for i := 0; i < nFrames; i++ {
		sum := 0.0
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += float64(in[base+c])
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

// Resample does linear interpolation between sample rates. Good enough
// for speech; not meant for music.
func Resample(in []float32, inSR, outSR int) []float32 {
	if inSR == outSR || len(in) == 0 {
		return in
	}
	ratio := float64(outSR) / float64(inSR)
	outN := int(math.Ceil(float64(len(in)) * ratio))
	out := make([]float32, outN)
	for i := 0; i < outN; i++ {
		src := float64(i) / ratio
		i0 := int(math.Floor(src))
		i1 := i0 + 1
		if i0 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		if i1 >= len(in) {
			out[i] = in[i0]
			continue
		}
		a := float32(src - float64(i0))
		out[i] = in[i0]*(1-a) + in[i1]*a
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
