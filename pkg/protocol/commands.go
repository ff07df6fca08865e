// ABOUTME: Airly command definitions and their frame mapping
// ABOUTME: Flat JSON command dictionary plus Encode/Decode to binary frames
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// MaxPlaybackTime bounds the position a play may carry, in seconds
const MaxPlaybackTime = 24 * 60 * 60

// Kind is the "command" field of a payload
type Kind string

// Playback commands
const (
	KindPlay    Kind = "play"
	KindPause   Kind = "pause"
	KindLoad    Kind = "load"
	KindStatus  Kind = "status"
	KindGetSong Kind = "getSong"
)

// Clock sync commands
const (
	KindCalibrate  Kind = "calibrate"
	KindProbe      Kind = "probe"
	KindProbeReply Kind = "probeReply"
	KindCalibrated Kind = "calibrated"
)

// Session commands
const (
	KindHello   Kind = "hello"
	KindWelcome Kind = "welcome"
)

// route is the frame type and action each kind travels under
type route struct {
	typ    FrameType
	action Action
}

var routes = map[Kind]route{
	KindPlay:       {TypeControl, ActionPlay},
	KindPause:      {TypeControl, ActionPause},
	KindLoad:       {TypeFile, ActionUnknown},
	KindStatus:     {TypeControl, ActionUnknown},
	KindGetSong:    {TypeControl, ActionUnknown},
	KindCalibrate:  {TypeControl, ActionSync},
	KindProbe:      {TypeControl, ActionSync},
	KindProbeReply: {TypeControl, ActionSync},
	KindCalibrated: {TypeControl, ActionSync},
	KindHello:      {TypeMetadata, ActionUnknown},
	KindWelcome:    {TypeMetadata, ActionUnknown},
}

// Known reports whether k is a command this package can carry
func (k Kind) Known() bool {
	_, ok := routes[k]
	return ok
}

// SongItem describes a track in a load command
type SongItem struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Image  []byte `json:"image,omitempty"` // artwork, jpeg or png
	Path   string `json:"path,omitempty"`
}

// Command is a single message between host and listener. Only the fields
// relevant to Kind are set; network times are nanoseconds.
type Command struct {
	Kind Kind `json:"command"`

	// play / pause
	TimeToExecute      int64   `json:"timeToExecute,omitempty"`
	PlaybackTime       float64 `json:"playbackTime,omitempty"` // seconds
	ContinuousPlay     bool    `json:"continuousPlay,omitempty"`
	TimeAtPlaybackTime int64   `json:"timeAtPlaybackTime,omitempty"`
	Song               string  `json:"song,omitempty"`
	IsSpotify          bool    `json:"isSpotify,omitempty"`

	// load
	SongItem *SongItem `json:"songItem,omitempty"`
	File     []byte    `json:"-"` // carried raw in the frame blob

	// probe / probeReply
	Seq uint64 `json:"seq,omitempty"`
	T0  int64  `json:"t0,omitempty"`
	T1  int64  `json:"t1,omitempty"`
	T2  int64  `json:"t2,omitempty"`

	// calibrated
	OK     bool  `json:"ok,omitempty"`
	Offset int64 `json:"offset,omitempty"`
	Delay  int64 `json:"delay,omitempty"`

	// hello / welcome
	PeerID string `json:"peerId,omitempty"`
	Name   string `json:"name,omitempty"`
}

// playPayload and pausePayload carry every scheduling key even when zero
type playPayload struct {
	Kind               Kind    `json:"command"`
	TimeToExecute      int64   `json:"timeToExecute"`
	PlaybackTime       float64 `json:"playbackTime"`
	ContinuousPlay     bool    `json:"continuousPlay"`
	TimeAtPlaybackTime int64   `json:"timeAtPlaybackTime"`
	Song               string  `json:"song"`
	IsSpotify          bool    `json:"isSpotify"`
}

type pausePayload struct {
	Kind          Kind   `json:"command"`
	TimeToExecute int64  `json:"timeToExecute"`
	Song          string `json:"song"`
	IsSpotify     bool   `json:"isSpotify"`
}

// MarshalJSON writes play and pause with their full key set; other kinds
// only carry the fields they set
func (c Command) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case KindPlay:
		return json.Marshal(playPayload{
			Kind:               c.Kind,
			TimeToExecute:      c.TimeToExecute,
			PlaybackTime:       c.PlaybackTime,
			ContinuousPlay:     c.ContinuousPlay,
			TimeAtPlaybackTime: c.TimeAtPlaybackTime,
			Song:               c.Song,
			IsSpotify:          c.IsSpotify,
		})
	case KindPause:
		return json.Marshal(pausePayload{
			Kind:          c.Kind,
			TimeToExecute: c.TimeToExecute,
			Song:          c.Song,
			IsSpotify:     c.IsSpotify,
		})
	}
	type plain Command
	return json.Marshal(plain(c))
}

// Play builds a play command
func Play(timeToExecute int64, playbackTime float64, continuous bool, timeAtPlaybackTime int64, song string) Command {
	return Command{
		Kind:               KindPlay,
		TimeToExecute:      timeToExecute,
		PlaybackTime:       playbackTime,
		ContinuousPlay:     continuous,
		TimeAtPlaybackTime: timeAtPlaybackTime,
		Song:               song,
	}
}

// Pause builds a pause command
func Pause(timeToExecute int64, song string) Command {
	return Command{Kind: KindPause, TimeToExecute: timeToExecute, Song: song}
}

// Load builds a load command carrying the song file
func Load(item SongItem, file []byte) Command {
	return Command{Kind: KindLoad, SongItem: &item, File: file}
}

// Validate checks that the fields required by Kind are present
func (c Command) Validate() error {
	if !c.Kind.Known() {
		return fmt.Errorf("unknown command %q", c.Kind)
	}

	switch c.Kind {
	case KindPlay, KindPause:
		if c.TimeToExecute < 0 {
			return fmt.Errorf("%s: negative timeToExecute", c.Kind)
		}
		if c.Kind == KindPlay {
			if math.IsNaN(c.PlaybackTime) || math.IsInf(c.PlaybackTime, 0) {
				return fmt.Errorf("play: playbackTime is not a number")
			}
			if c.PlaybackTime < 0 {
				return fmt.Errorf("play: negative playbackTime")
			}
			if c.PlaybackTime > MaxPlaybackTime {
				return fmt.Errorf("play: playbackTime %.0fs beyond %ds", c.PlaybackTime, MaxPlaybackTime)
			}
		}
	case KindLoad:
		if c.SongItem == nil {
			return fmt.Errorf("load: missing songItem")
		}
		if len(c.File) == 0 {
			return fmt.Errorf("load: empty file")
		}
	case KindHello, KindWelcome:
		if c.PeerID == "" {
			return fmt.Errorf("%s: missing peerId", c.Kind)
		}
	}
	return nil
}

// String is used in logs; it never includes file bytes
func (c Command) String() string {
	switch c.Kind {
	case KindPlay:
		return fmt.Sprintf("play(song=%q at=%d pos=%.3fs continuous=%t)", c.Song, c.TimeToExecute, c.PlaybackTime, c.ContinuousPlay)
	case KindPause:
		return fmt.Sprintf("pause(song=%q at=%d)", c.Song, c.TimeToExecute)
	case KindLoad:
		title := ""
		if c.SongItem != nil {
			title = c.SongItem.Title
		}
		return fmt.Sprintf("load(%q, %d bytes)", title, len(c.File))
	case KindProbe, KindProbeReply:
		return fmt.Sprintf("%s(seq=%d)", c.Kind, c.Seq)
	}
	return string(c.Kind)
}

// EncodeFrame converts a command into its frame
func EncodeFrame(c Command) (Frame, error) {
	if err := c.Validate(); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	r := routes[c.Kind]
	f := Frame{
		Version: Version,
		Type:    r.typ,
		Action:  r.action,
		Payload: payload,
	}
	if c.Kind == KindLoad {
		f.Blob = c.File
	}
	if err := f.checkSizes(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Encode serializes a command into wire bytes
func Encode(c Command) ([]byte, error) {
	f, err := EncodeFrame(c)
	if err != nil {
		return nil, err
	}
	return f.MarshalBinary()
}

// DecodeFrame converts a frame back into a command
func DecodeFrame(f Frame) (Command, error) {
	var c Command
	dec := json.NewDecoder(bytes.NewReader(f.Payload))
	if err := dec.Decode(&c); err != nil {
		return Command{}, fmt.Errorf("%w: payload: %v", ErrDecoding, err)
	}

	r, ok := routes[c.Kind]
	if !ok {
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrDecoding, c.Kind)
	}
	if r.typ != f.Type || r.action != f.Action {
		return Command{}, fmt.Errorf("%w: %s sent as %s/%s", ErrDecoding, c.Kind, f.Type, f.Action)
	}

	if c.Kind == KindLoad {
		c.File = f.Blob
	} else if len(f.Blob) > 0 {
		return Command{}, fmt.Errorf("%w: unexpected blob on %s", ErrDecoding, c.Kind)
	}

	if err := c.Validate(); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	return c, nil
}

// Decode parses wire bytes into a command
func Decode(data []byte) (Command, error) {
	f, err := ParseFrame(data)
	if err != nil {
		return Command{}, err
	}
	return DecodeFrame(f)
}
