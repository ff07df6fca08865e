// ABOUTME: Binary frame layout for Airly messages
// ABOUTME: Length-prefixed header, JSON payload and optional raw blob
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Version is the frame format version written by this package
	Version = 1

	// HeaderSize is version(1) + type(1) + action(1) + payloadLen(4) + blobLen(4)
	HeaderSize = 1 + 1 + 1 + 4 + 4

	// MaxPayloadSize bounds the JSON command dictionary
	MaxPayloadSize = 1 << 20

	// MaxBlobSize bounds attached file bytes
	MaxBlobSize = 256 << 20

	// MaxFrameSize is the largest frame a reader accepts
	MaxFrameSize = HeaderSize + MaxPayloadSize + MaxBlobSize
)

var (
	// ErrEncoding is returned when a command cannot be serialized
	ErrEncoding = errors.New("encoding error")

	// ErrDecoding is returned for malformed or truncated input
	ErrDecoding = errors.New("decoding error")
)

// FrameType is the coarse class of a frame
type FrameType uint8

const (
	TypeControl  FrameType = 0
	TypeFile     FrameType = 1
	TypeMetadata FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case TypeControl:
		return "control"
	case TypeFile:
		return "file"
	case TypeMetadata:
		return "metadata"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Action hints what a control frame does without parsing its payload
type Action uint8

const (
	ActionSync    Action = 0
	ActionPlay    Action = 1
	ActionPause   Action = 2
	ActionUnknown Action = 0xFF
)

func (a Action) String() string {
	switch a {
	case ActionSync:
		return "sync"
	case ActionPlay:
		return "play"
	case ActionPause:
		return "pause"
	case ActionUnknown:
		return "unknown"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Frame is one wire message
type Frame struct {
	Version uint8
	Type    FrameType
	Action  Action
	Payload []byte
	Blob    []byte
}

// MarshalBinary lays the frame out as header + payload + blob
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.checkSizes(); err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize+len(f.Payload)+len(f.Blob))
	putHeader(buf, f)
	n := copy(buf[HeaderSize:], f.Payload)
	copy(buf[HeaderSize+n:], f.Blob)
	return buf, nil
}

// ParseFrame parses a complete frame held in memory. Trailing bytes are an error.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes shorter than header", ErrDecoding, len(data))
	}

	f, payloadLen, blobLen, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return Frame{}, err
	}

	want := uint64(HeaderSize) + uint64(payloadLen) + uint64(blobLen)
	if uint64(len(data)) != want {
		return Frame{}, fmt.Errorf("%w: frame length %d, header declares %d", ErrDecoding, len(data), want)
	}

	body := data[HeaderSize:]
	f.Payload = body[:payloadLen]
	if blobLen > 0 {
		f.Blob = body[payloadLen:]
	}
	return f, nil
}

// WriteFrame writes one frame to w
func WriteFrame(w io.Writer, f Frame) error {
	if err := f.checkSizes(); err != nil {
		return err
	}

	var header [HeaderSize]byte
	putHeader(header[:], f)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if len(f.Blob) > 0 {
		if _, err := w.Write(f.Blob); err != nil {
			return fmt.Errorf("write blob: %w", err)
		}
	}
	return nil
}

// ReadFrame reads exactly one frame from r. A clean EOF before the header is
// returned as io.EOF; anything shorter after that is ErrDecoding.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("%w: truncated header: %v", ErrDecoding, err)
	}

	f, payloadLen, blobLen, err := parseHeader(header[:])
	if err != nil {
		return Frame{}, err
	}

	f.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("%w: truncated payload: %v", ErrDecoding, err)
	}
	if blobLen > 0 {
		f.Blob = make([]byte, blobLen)
		if _, err := io.ReadFull(r, f.Blob); err != nil {
			return Frame{}, fmt.Errorf("%w: truncated blob: %v", ErrDecoding, err)
		}
	}
	return f, nil
}

func (f Frame) checkSizes() error {
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrEncoding, len(f.Payload), MaxPayloadSize)
	}
	if len(f.Blob) > MaxBlobSize {
		return fmt.Errorf("%w: blob of %d bytes exceeds %d", ErrEncoding, len(f.Blob), MaxBlobSize)
	}
	return nil
}

func putHeader(buf []byte, f Frame) {
	version := f.Version
	if version == 0 {
		version = Version
	}
	buf[0] = version
	buf[1] = byte(f.Type)
	buf[2] = byte(f.Action)
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(f.Blob)))
}

func parseHeader(h []byte) (Frame, uint32, uint32, error) {
	f := Frame{
		Version: h[0],
		Type:    FrameType(h[1]),
		Action:  Action(h[2]),
	}
	if f.Version != Version {
		return Frame{}, 0, 0, fmt.Errorf("%w: unsupported version %d", ErrDecoding, f.Version)
	}
	if f.Type > TypeMetadata {
		return Frame{}, 0, 0, fmt.Errorf("%w: unknown frame %s", ErrDecoding, f.Type)
	}

	payloadLen := binary.BigEndian.Uint32(h[3:7])
	blobLen := binary.BigEndian.Uint32(h[7:11])
	if payloadLen > MaxPayloadSize {
		return Frame{}, 0, 0, fmt.Errorf("%w: payload length %d exceeds %d", ErrDecoding, payloadLen, MaxPayloadSize)
	}
	if blobLen > MaxBlobSize {
		return Frame{}, 0, 0, fmt.Errorf("%w: blob length %d exceeds %d", ErrDecoding, blobLen, MaxBlobSize)
	}
	return f, payloadLen, blobLen, nil
}
