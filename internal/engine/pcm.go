// ABOUTME: Whole-file decoding of MP3 and FLAC into 16-bit stereo PCM
// ABOUTME: Includes linear resampling to the output device rate
package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

const (
	channels       = 2
	bytesPerSample = 2
	bytesPerFrame  = channels * bytesPerSample
)

// PCM is decoded interleaved stereo audio
type PCM struct {
	SampleRate int
	Samples    []int16
}

// Frames returns the number of stereo frames
func (p *PCM) Frames() int {
	return len(p.Samples) / channels
}

// Duration returns the playing time
func (p *PCM) Duration() time.Duration {
	if p.SampleRate == 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.SampleRate)
}

// Bytes encodes the samples as signed 16-bit little endian
func (p *PCM) Bytes() []byte {
	out := make([]byte, len(p.Samples)*bytesPerSample)
	for i, s := range p.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// SupportedExtension reports whether a file can be decoded
func SupportedExtension(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".flac":
		return true
	}
	return false
}

// DecodeFile reads and decodes an audio file chosen by extension
func DecodeFile(path string) (*PCM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Decode(filepath.Ext(path), bytes.NewReader(data))
}

// Decode decodes audio from r; ext selects the codec
func Decode(ext string, r io.Reader) (*PCM, error) {
	switch strings.ToLower(ext) {
	case ".mp3":
		return decodeMP3(r)
	case ".flac":
		return decodeFLAC(r)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

func decodeMP3(r io.Reader) (*PCM, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	// go-mp3 always yields 16-bit stereo
	raw, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("mp3 decode error: %w", err)
	}

	samples := make([]int16, len(raw)/bytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return &PCM{SampleRate: decoder.SampleRate(), Samples: samples}, nil
}

func decodeFLAC(r io.Reader) (*PCM, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	bitDepth := int(info.BitsPerSample)
	nch := int(info.NChannels)
	if nch < 1 {
		return nil, fmt.Errorf("failed to decode FLAC: %d channels", nch)
	}

	pcm := &PCM{SampleRate: int(info.SampleRate)}
	if info.NSamples > 0 {
		pcm.Samples = make([]int16, 0, int(info.NSamples)*channels)
	}

	for {
		frame, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("flac decode error: %w", err)
		}

		left := frame.Subframes[0].Samples
		right := left
		if nch > 1 {
			right = frame.Subframes[1].Samples
		}
		for i := 0; i < int(frame.BlockSize); i++ {
			pcm.Samples = append(pcm.Samples, to16(left[i], bitDepth), to16(right[i], bitDepth))
		}
	}
	return pcm, nil
}

// to16 scales a sample of the given bit depth to 16 bits
func to16(sample int32, bitDepth int) int16 {
	shift := bitDepth - 16
	if shift > 0 {
		return int16(sample >> shift)
	}
	return int16(sample << -shift)
}

// Resample converts to rate using linear interpolation
func (p *PCM) Resample(rate int) *PCM {
	if rate == p.SampleRate || p.SampleRate == 0 || len(p.Samples) == 0 {
		return p
	}

	ratio := float64(p.SampleRate) / float64(rate)
	inFrames := p.Frames()
	outFrames := int(float64(inFrames) / ratio)
	out := make([]int16, 0, outFrames*channels)

	position := 0.0
	for f := 0; f < outFrames; f++ {
		idx := int(position)
		if idx >= inFrames-1 {
			break
		}
		frac := position - float64(idx)

		for ch := 0; ch < channels; ch++ {
			s1 := float64(p.Samples[idx*channels+ch])
			s2 := float64(p.Samples[(idx+1)*channels+ch])
			out = append(out, int16(s1*(1.0-frac)+s2*frac))
		}
		position += ratio
	}

	return &PCM{SampleRate: rate, Samples: out}
}

// byteOffset converts a position to a frame aligned byte offset
func byteOffset(pos time.Duration, rate int) int64 {
	if pos <= 0 {
		return 0
	}
	// split at whole seconds so long positions cannot overflow
	whole, frac := int64(pos/time.Second), int64(pos%time.Second)
	frames := whole*int64(rate) + frac*int64(rate)/int64(time.Second)
	return frames * bytesPerFrame
}

// bytesToDuration converts a byte count of PCM at rate to playing time
func bytesToDuration(n int64, rate int) time.Duration {
	if rate == 0 || n <= 0 {
		return 0
	}
	frames := n / bytesPerFrame
	return time.Duration(frames) * time.Second / time.Duration(rate)
}
