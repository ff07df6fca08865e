// ABOUTME: Tests for the listener playback role
// ABOUTME: Covers synchronized starts, held commands, stale plays and loads
package playback

import (
	"context"
	"errors"
	"testing"
	"time"

	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/internal/transport"
	"github.com/airly-sync/airly-go/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listenerRig struct {
	listener *Listener
	link     *fakeTransport
	engine   *fakeEngine
	store    *memStore
	clock    *clocksync.ClockSync
	done     chan error
}

func newListenerRig(t *testing.T, skew time.Duration, eng *fakeEngine) *listenerRig {
	t.Helper()
	clock := clocksync.NewClockSync(clocksync.Config{
		Probes:       8,
		ProbeTimeout: 100 * time.Millisecond,
		Now:          func() int64 { return clocksync.LocalNanos() + int64(skew) },
	})
	rig := &listenerRig{
		link:   newFakeTransport(),
		engine: eng,
		store:  &memStore{},
		clock:  clock,
	}
	if eng != nil {
		rig.listener = NewListener(Config{}, rig.link, clock, rig.store, eng)
	} else {
		rig.listener = NewListener(Config{}, rig.link, clock, rig.store, nil)
	}
	return rig
}

func (r *listenerRig) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r.done = make(chan error, 1)
	go func() { r.done <- r.listener.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
}

// calibrate runs a round against the real process clock and waits for the
// report to the host
func (r *listenerRig) calibrate(t *testing.T) {
	t.Helper()
	r.link.answerProbes()
	before := len(r.link.all(protocol.KindCalibrated))
	r.link.receive("host", protocol.Command{Kind: protocol.KindCalibrate})
	report := r.link.waitFor(t, protocol.KindCalibrated, before+1)
	require.True(t, report.cmd.OK)
}

func TestListenersStartTogether(t *testing.T) {
	skews := []time.Duration{50 * time.Millisecond, -30 * time.Millisecond}
	latencies := []time.Duration{10 * time.Millisecond, 25 * time.Millisecond}

	rigs := make([]*listenerRig, len(skews))
	for i, skew := range skews {
		eng := newFakeEngine("Song")
		eng.latency = latencies[i]
		rigs[i] = newListenerRig(t, skew, eng)
		rigs[i].run(t)
		rigs[i].calibrate(t)

		assert.InDelta(t, float64(-skew), float64(rigs[i].clock.Offset()), float64(5*time.Millisecond))
	}

	// the host clock is the process clock
	tte := clocksync.LocalNanos() + int64(500*time.Millisecond)
	play := protocol.Play(tte, 30.0, false, tte-int64(500*time.Millisecond), "Song")
	for _, rig := range rigs {
		rig.link.receive("host", play)
	}

	for i, rig := range rigs {
		require.Eventually(t, rig.engine.IsPlaying, 2*time.Second, time.Millisecond)

		rig.engine.mu.Lock()
		playedAt := rig.engine.playedAt
		rig.engine.mu.Unlock()

		diff := time.Duration(playedAt - tte)
		assert.Less(t, diff.Abs(), 20*time.Millisecond, "listener %d started %v off", i, diff)
		assert.Equal(t, 30*time.Second+latencies[i], rig.engine.lastSeek())
	}
}

func TestListenerHoldsPauseWhileCalibrating(t *testing.T) {
	eng := newFakeEngine("Song")
	eng.setPlaying(true, 10*time.Second)
	rig := newListenerRig(t, 0, eng)
	rig.run(t)

	// probes go unanswered until released
	rig.link.receive("host", protocol.Command{Kind: protocol.KindCalibrate})
	require.Eventually(t, rig.clock.IsCalibrating, time.Second, time.Millisecond)

	rig.link.receive("host", protocol.Pause(clocksync.LocalNanos()-int64(time.Second), "Song"))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, eng.IsPlaying(), "pause must wait for calibration")

	rig.link.answerProbes()
	rig.link.waitFor(t, protocol.KindCalibrated, 1)

	// the deadline already passed so the pause runs right away
	require.Eventually(t, func() bool { return !eng.IsPlaying() }, time.Second, time.Millisecond)
	_, pauses := eng.counts()
	assert.Equal(t, 1, pauses)
}

func TestListenerPendingCommandSuperseded(t *testing.T) {
	eng := newFakeEngine("Song")
	eng.setPlaying(true, 10*time.Second)
	rig := newListenerRig(t, 0, eng)
	rig.run(t)

	rig.link.receive("host", protocol.Command{Kind: protocol.KindCalibrate})
	require.Eventually(t, rig.clock.IsCalibrating, time.Second, time.Millisecond)

	now := clocksync.LocalNanos()
	rig.link.receive("host", protocol.Pause(now, "Song"))
	rig.link.receive("host", protocol.Play(now, 12.0, true, now, "Song"))
	time.Sleep(20 * time.Millisecond)

	rig.link.answerProbes()
	rig.link.waitFor(t, protocol.KindCalibrated, 1)

	require.Eventually(t, func() bool {
		plays, _ := eng.counts()
		return plays == 1
	}, time.Second, time.Millisecond)
	_, pauses := eng.counts()
	assert.Zero(t, pauses, "held pause was replaced by the later play")
	assert.GreaterOrEqual(t, eng.lastSeek(), 12*time.Second)
}

func TestListenerLastCommandWins(t *testing.T) {
	eng := newFakeEngine("Song")
	rig := newListenerRig(t, 0, eng)
	rig.run(t)

	now := clocksync.LocalNanos()
	rig.link.receive("host", protocol.Play(now+int64(150*time.Millisecond), 0, false, now, "Song"))
	rig.link.receive("host", protocol.Pause(now+int64(50*time.Millisecond), "Song"))

	require.Eventually(t, func() bool {
		_, pauses := eng.counts()
		return pauses == 1
	}, time.Second, time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	plays, _ := eng.counts()
	assert.Zero(t, plays, "superseded play must not fire")
}

func TestListenerContinuousPlayCatchesUp(t *testing.T) {
	eng := newFakeEngine("Song")
	eng.latency = 20 * time.Millisecond
	rig := newListenerRig(t, 0, eng)

	now := rig.clock.NetworkTime()
	cmd := protocol.Play(now+int64(time.Second), 30.0, true, now-int64(200*time.Millisecond), "Song")
	require.NoError(t, rig.listener.handleCommand(cmd))

	assert.True(t, eng.IsPlaying(), "continuous play starts immediately")
	want := 30*time.Second + 200*time.Millisecond + 20*time.Millisecond
	assert.InDelta(t, float64(want), float64(eng.lastSeek()), float64(10*time.Millisecond))
}

func TestListenerStalePlay(t *testing.T) {
	eng := newFakeEngine("A")
	rig := newListenerRig(t, 0, eng)

	err := rig.listener.handleCommand(protocol.Play(0, 5, false, 0, "B"))
	assert.ErrorIs(t, err, ErrStaleCommand)
	assert.False(t, eng.IsPlaying())
	assert.Equal(t, time.Duration(-1), eng.lastSeek())
	assert.Empty(t, rig.link.all(protocol.KindGetSong))
}

func TestListenerPlayWithoutSongAsksHost(t *testing.T) {
	eng := newFakeEngine("")
	rig := newListenerRig(t, 0, eng)

	err := rig.listener.handleCommand(protocol.Play(0, 5, false, 0, "A"))
	assert.ErrorIs(t, err, ErrStaleCommand)
	assert.Len(t, rig.link.all(protocol.KindGetSong), 1)
}

func TestListenerPauseIgnoresSong(t *testing.T) {
	eng := newFakeEngine("A")
	eng.setPlaying(true, 0)
	rig := newListenerRig(t, 0, eng)
	rig.run(t)

	rig.link.receive("host", protocol.Pause(0, "B"))
	require.Eventually(t, func() bool { return !eng.IsPlaying() }, time.Second, time.Millisecond)
}

func TestListenerLoad(t *testing.T) {
	eng := newFakeEngine("Old")
	rig := newListenerRig(t, 0, eng)

	cmd := protocol.Load(protocol.SongItem{Title: "New", Artist: "Band", Path: "new.flac"}, []byte{1, 2, 3})
	require.NoError(t, rig.listener.handleCommand(cmd))

	assert.Equal(t, "new.flac", rig.store.name)
	assert.Equal(t, []byte{1, 2, 3}, rig.store.data)

	song := eng.CurrentSong()
	require.NotNil(t, song)
	assert.Equal(t, "New", song.Title)
	assert.Equal(t, "Band", song.Artist)
	assert.Equal(t, "/cache/new.flac", song.Path)

	assert.Len(t, rig.link.all(protocol.KindStatus), 1, "asks the host what to do next")
}

func TestListenerFailedStoreKeepsSong(t *testing.T) {
	eng := newFakeEngine("Old")
	rig := newListenerRig(t, 0, eng)
	rig.store.err = errors.New("disk full")

	cmd := protocol.Load(protocol.SongItem{Title: "New", Path: "new.mp3"}, []byte{1})
	assert.Error(t, rig.listener.handleCommand(cmd))
	assert.Equal(t, "Old", eng.CurrentSong().Title)
	assert.Empty(t, rig.link.all(protocol.KindStatus))
}

func TestMalformedLoadRejected(t *testing.T) {
	tests := []struct {
		name  string
		frame protocol.Frame
	}{
		{
			name: "empty file",
			frame: protocol.Frame{
				Type:    protocol.TypeFile,
				Action:  protocol.ActionUnknown,
				Payload: []byte(`{"command":"load","songItem":{"title":"New","artist":""}}`),
			},
		},
		{
			name: "missing songItem",
			frame: protocol.Frame{
				Type:    protocol.TypeFile,
				Action:  protocol.ActionUnknown,
				Payload: []byte(`{"command":"load"}`),
				Blob:    []byte{1, 2, 3},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine("Old")
			data, err := tt.frame.MarshalBinary()
			require.NoError(t, err)

			_, err = protocol.Decode(data)
			require.ErrorIs(t, err, protocol.ErrDecoding)

			// the transport drops it, so nothing reaches the engine
			assert.Equal(t, "Old", eng.CurrentSong().Title)
		})
	}
}

func TestListenerStatusReply(t *testing.T) {
	eng := newFakeEngine("Song")
	eng.setPlaying(true, 12*time.Second)
	rig := newListenerRig(t, 0, eng)

	require.NoError(t, rig.listener.handleCommand(protocol.Command{Kind: protocol.KindStatus}))

	replies := rig.link.all(protocol.KindPlay)
	require.Len(t, replies, 1)
	reply := replies[0].cmd
	assert.True(t, reply.ContinuousPlay)
	assert.Equal(t, 12.0, reply.PlaybackTime)
	assert.Equal(t, "Song", reply.Song)
	assert.Equal(t, int64(DefaultLookahead), reply.TimeToExecute-reply.TimeAtPlaybackTime)
}

func TestListenerWithoutEngine(t *testing.T) {
	rig := newListenerRig(t, 0, nil)

	for _, cmd := range []protocol.Command{
		protocol.Play(0, 0, false, 0, "A"),
		protocol.Pause(0, "A"),
		protocol.Load(protocol.SongItem{Title: "A"}, []byte{1}),
		{Kind: protocol.KindStatus},
	} {
		assert.ErrorIs(t, rig.listener.handleCommand(cmd), ErrNoEngine, cmd.String())
	}

	eng := newFakeEngine("A")
	rig.listener.AttachEngine(eng)
	assert.NoError(t, rig.listener.handleCommand(protocol.Command{Kind: protocol.KindStatus}))
}

func TestListenerHostDisconnect(t *testing.T) {
	eng := newFakeEngine("Song")
	eng.setPlaying(true, 0)
	rig := newListenerRig(t, 0, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rig.listener.Run(ctx) }()

	now := clocksync.LocalNanos()
	rig.link.receive("host", protocol.Play(now+int64(100*time.Millisecond), 0, false, now, "Song"))
	rig.link.push(transport.Event{Kind: transport.PeerDisconnected, Peer: transport.Peer{ID: "host"}})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrHostDisconnected)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}

	assert.False(t, eng.IsPlaying())
	plays, _ := eng.counts()
	time.Sleep(150 * time.Millisecond)
	playsAfter, _ := eng.counts()
	assert.Equal(t, plays, playsAfter, "scheduled play cancelled")
}

func TestCalibrationWithoutHost(t *testing.T) {
	eng := newFakeEngine("Song")
	rig := newListenerRig(t, 0, eng)
	rig.link.connected = false

	rig.listener.calibrate()
	assert.False(t, rig.clock.IsCalibrating())
}

func TestListenerPassesReceiveStampToProbe(t *testing.T) {
	rig := newListenerRig(t, 0, newFakeEngine("Song"))
	rig.run(t)

	replies := make(chan clocksync.ProbeReply, 1)
	go func() {
		reply, err := rig.listener.prober.Probe(context.Background(), 100)
		if err == nil {
			replies <- reply
		}
	}()

	probe := rig.link.waitFor(t, protocol.KindProbe, 1)
	rig.link.push(transport.Event{
		Kind:       transport.MessageReceived,
		Peer:       transport.Peer{ID: "host"},
		Command:    protocol.Command{Kind: protocol.KindProbeReply, Seq: probe.cmd.Seq, T0: 100, T1: 150, T2: 160},
		ReceivedAt: 210,
	})

	select {
	case reply := <-replies:
		assert.Equal(t, clocksync.ProbeReply{T0: 100, T1: 150, T2: 160, T3: 210}, reply)
	case <-time.After(2 * time.Second):
		t.Fatal("probe reply never delivered")
	}
}
