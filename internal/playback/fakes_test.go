// ABOUTME: Test doubles for the playback roles
// ABOUTME: An in-memory transport, a scriptable engine and a song store
package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/airly-sync/airly-go/internal/engine"
	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/internal/transport"
	"github.com/airly-sync/airly-go/pkg/protocol"
	"github.com/stretchr/testify/require"
)

type sentCommand struct {
	cmd protocol.Command
	to  []transport.PeerID
}

// fakeTransport records sends and lets tests inject events
type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentCommand
	events    chan transport.Event
	connected bool
	onSend    func(cmd protocol.Command)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:    make(chan transport.Event, 64),
		connected: true,
	}
}

func (f *fakeTransport) Send(cmd protocol.Command, to []transport.PeerID) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, sentCommand{cmd: cmd, to: to})
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	return nil
}

func (f *fakeTransport) Peers() []transport.Peer        { return nil }
func (f *fakeTransport) Events() <-chan transport.Event { return f.events }
func (f *fakeTransport) DisconnectAll()                 {}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setHook(fn func(cmd protocol.Command)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

func (f *fakeTransport) push(ev transport.Event) {
	f.events <- ev
}

func (f *fakeTransport) receive(from transport.PeerID, cmd protocol.Command) {
	f.push(transport.Event{
		Kind:       transport.MessageReceived,
		Peer:       transport.Peer{ID: from},
		Command:    cmd,
		ReceivedAt: clocksync.LocalNanos(),
	})
}

func (f *fakeTransport) all(kind protocol.Kind) []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentCommand
	for _, s := range f.sent {
		if s.cmd.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// waitFor returns the nth (1-based) command of kind once it has been sent
func (f *fakeTransport) waitFor(t *testing.T, kind protocol.Kind, n int) sentCommand {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.all(kind)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s #%d", kind, n)
	return f.all(kind)[n-1]
}

// answerProbes makes the transport act as a host whose clock is the real
// process clock
func (f *fakeTransport) answerProbes() {
	f.setHook(func(cmd protocol.Command) {
		if cmd.Kind != protocol.KindProbe {
			return
		}
		now := clocksync.LocalNanos()
		f.receive("host", protocol.Command{
			Kind: protocol.KindProbeReply,
			Seq:  cmd.Seq,
			T0:   cmd.T0,
			T1:   now,
			T2:   now,
		})
	})
}

// fakeEngine is a scriptable engine that timestamps play and pause calls
type fakeEngine struct {
	mu       sync.Mutex
	song     *engine.SongItem
	playing  bool
	position time.Duration
	latency  time.Duration
	seeks    []time.Duration
	plays    int
	pauses   int
	playedAt int64
	pausedAt int64
	loadErr  error
	events   chan engine.Event
}

var _ engine.Engine = (*fakeEngine)(nil)

func newFakeEngine(title string) *fakeEngine {
	e := &fakeEngine{events: make(chan engine.Event, 16)}
	if title != "" {
		e.song = &engine.SongItem{Title: title, Path: title + ".mp3"}
	}
	return e
}

func (e *fakeEngine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *fakeEngine) CurrentSong() *engine.SongItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.song == nil {
		return nil
	}
	song := *e.song
	return &song
}

func (e *fakeEngine) CurrentPlaybackTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *fakeEngine) CanSkipNext() bool     { return false }
func (e *fakeEngine) CanSkipPrevious() bool { return false }

func (e *fakeEngine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.song == nil {
		return engine.ErrNoSong
	}
	e.playing = true
	e.plays++
	e.playedAt = clocksync.LocalNanos()
	return nil
}

func (e *fakeEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	e.pauses++
	e.pausedAt = clocksync.LocalNanos()
	return nil
}

func (e *fakeEngine) Seek(position time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = position
	e.seeks = append(e.seeks, position)
	return nil
}

func (e *fakeEngine) Next() error     { return errors.New("no next song") }
func (e *fakeEngine) Previous() error { return errors.New("no previous song") }

func (e *fakeEngine) LoadQueue(items []engine.SongItem, start int) error {
	return e.LoadSong(items[start])
}

func (e *fakeEngine) LoadSong(item engine.SongItem) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return e.loadErr
	}
	e.song = &item
	e.playing = false
	e.position = 0
	return nil
}

func (e *fakeEngine) Authorize(ctx context.Context) error { return nil }

func (e *fakeEngine) OutputLatency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latency
}

func (e *fakeEngine) Events() <-chan engine.Event { return e.events }
func (e *fakeEngine) Close() error                { return nil }

func (e *fakeEngine) setPlaying(playing bool, position time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = playing
	e.position = position
}

func (e *fakeEngine) counts() (plays, pauses int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plays, e.pauses
}

func (e *fakeEngine) lastSeek() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.seeks) == 0 {
		return -1
	}
	return e.seeks[len(e.seeks)-1]
}

// memStore is a SongStore that keeps the last song in memory
type memStore struct {
	mu   sync.Mutex
	name string
	data []byte
	err  error
}

func (s *memStore) Store(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.name = name
	s.data = data
	return "/cache/" + name, nil
}
