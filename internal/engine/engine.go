// ABOUTME: Playback engine contract used by the host and listener roles
// ABOUTME: Song items, engine events and the operations playback relies on
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSong is returned when an operation needs a loaded song
	ErrNoSong = errors.New("no song loaded")

	// ErrUnsupportedFormat is returned for files the engine cannot decode
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// SongItem describes a playable track
type SongItem struct {
	Title    string
	Artist   string
	Image    []byte // artwork, jpeg or png
	Path     string // local file backing the song
	Streamed bool   // provided by a streaming service, no exportable file
}

// EventKind discriminates engine events
type EventKind int

const (
	SongChanged EventKind = iota
	Played
	Paused
	QueueChanged
)

func (k EventKind) String() string {
	switch k {
	case SongChanged:
		return "song-changed"
	case Played:
		return "played"
	case Paused:
		return "paused"
	case QueueChanged:
		return "queue-changed"
	}
	return "unknown"
}

// Event reports a playback state change
type Event struct {
	Kind EventKind
	Song *SongItem
}

// Engine renders audio. Every method is safe for concurrent use, but the
// playback roles call it from a single goroutine.
type Engine interface {
	IsPlaying() bool
	// CurrentSong returns nil when nothing is loaded
	CurrentSong() *SongItem
	CurrentPlaybackTime() time.Duration
	CanSkipNext() bool
	CanSkipPrevious() bool

	Play() error
	Pause() error
	Seek(position time.Duration) error
	Next() error
	Previous() error

	LoadQueue(items []SongItem, start int) error
	LoadSong(item SongItem) error

	// Authorize obtains whatever access the backing library requires
	Authorize(ctx context.Context) error

	// OutputLatency is the delay between handing audio to the device and
	// hearing it
	OutputLatency() time.Duration

	Events() <-chan Event
	Close() error
}
