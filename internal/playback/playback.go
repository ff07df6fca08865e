// ABOUTME: Shared pieces of the host and listener playback roles
// ABOUTME: Errors, tuning, the role event loop and engine state replies
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/airly-sync/airly-go/internal/engine"
	"github.com/airly-sync/airly-go/pkg/protocol"
)

var (
	// ErrStaleCommand is returned for a command that refers to a song other
	// than the one loaded
	ErrStaleCommand = errors.New("stale command")

	// ErrNoEngine is returned for playback commands that arrive before a
	// playback engine is attached
	ErrNoEngine = errors.New("no playback engine attached")

	// ErrHostDisconnected ends a listener session
	ErrHostDisconnected = errors.New("host disconnected")
)

// DefaultLookahead is how far ahead of now a play is scheduled
const DefaultLookahead = time.Second

// DefaultCalibrationDeadline is how long the host waits for a listener's
// calibration report before serving it unsynced
const DefaultCalibrationDeadline = 15 * time.Second

// Config holds settings shared by both roles
type Config struct {
	// Lookahead gives every listener time to receive and prepare a play
	Lookahead time.Duration
	// RecalibrateOnPause asks peers for a fresh round whenever the host pauses
	RecalibrateOnPause bool
	// CalibrationDeadline bounds the host's wait for a calibration report
	CalibrationDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.CalibrationDeadline <= 0 {
		c.CalibrationDeadline = DefaultCalibrationDeadline
	}
	return c
}

// loop is the mailbox of a role's event goroutine. Posting never blocks so
// timers and coordinator callbacks can hand work back from any goroutine,
// including the loop itself.
type loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

func newLoop() *loop {
	return &loop{wake: make(chan struct{}, 1)}
}

func (l *loop) post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// drain runs everything posted so far on the calling goroutine
func (l *loop) drain() {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range queue {
		fn()
	}
}

func (l *loop) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.queue = nil
}

// engineSlot holds the engine, which may be attached after the role starts
type engineSlot struct {
	mu  sync.RWMutex
	eng engine.Engine
}

func (s *engineSlot) get() engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eng
}

func (s *engineSlot) set(eng engine.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eng = eng
}

// events returns the engine's event channel, or nil so a select skips it
func (s *engineSlot) events() <-chan engine.Event {
	if eng := s.get(); eng != nil {
		return eng.Events()
	}
	return nil
}

// stateCommand describes what eng is doing the way a host announces it: a
// continuous play when playing, otherwise a pause effective now
func stateCommand(eng engine.Engine, now int64, lookahead time.Duration) protocol.Command {
	song := eng.CurrentSong()
	title, streamed := "", false
	if song != nil {
		title, streamed = song.Title, song.Streamed
	}

	var cmd protocol.Command
	if song != nil && eng.IsPlaying() {
		position := eng.CurrentPlaybackTime()
		cmd = protocol.Play(now+int64(lookahead), position.Seconds(), true, now, title)
	} else {
		cmd = protocol.Pause(now, title)
	}
	cmd.IsSpotify = streamed
	return cmd
}

// seconds converts a wire playback time
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
