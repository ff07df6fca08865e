// ABOUTME: Listener playback role
// ABOUTME: Applies host commands to the local engine at the scheduled network time
package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/airly-sync/airly-go/internal/coordinator"
	"github.com/airly-sync/airly-go/internal/engine"
	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/internal/transport"
	"github.com/airly-sync/airly-go/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// SongStore keeps the song received in a load. Store returns the path of the
// completely written file; on error the previous song is untouched.
type SongStore interface {
	Store(name string, data []byte) (string, error)
}

// Listener mirrors the host. All engine calls happen on the goroutine
// running Run.
type Listener struct {
	config Config
	link   HostLink
	clock  *clocksync.ClockSync
	coord  *coordinator.Coordinator
	store  SongStore
	prober *HostProber
	engine engineSlot
	loop   *loop
	logger *logrus.Entry

	ctx context.Context

	// pending is the play or pause that arrived mid-calibration
	pending *protocol.Command

	// scheduled is the play or pause waiting for its deadline; actionGen
	// invalidates one that already fired but has not reached the loop
	scheduled *coordinator.Action
	actionGen uint64
}

// NewListener creates the listener role. eng may be nil and attached later.
func NewListener(config Config, link HostLink, clock *clocksync.ClockSync, store SongStore, eng engine.Engine) *Listener {
	l := &Listener{
		config: config.withDefaults(),
		link:   link,
		clock:  clock,
		coord:  coordinator.New(clock, nil),
		store:  store,
		prober: NewHostProber(link),
		loop:   newLoop(),
		logger: logrus.WithField("component", "Listener"),
		ctx:    context.Background(),
	}
	l.engine.set(eng)
	return l
}

// AttachEngine selects the engine commands are applied to
func (l *Listener) AttachEngine(eng engine.Engine) {
	l.engine.set(eng)
}

// Engine returns the attached engine or nil
func (l *Listener) Engine() engine.Engine {
	return l.engine.get()
}

// Clock returns the listener's clock for status display
func (l *Listener) Clock() *clocksync.ClockSync {
	return l.clock
}

// Run processes host commands in arrival order. It returns
// ErrHostDisconnected when the host goes away.
func (l *Listener) Run(ctx context.Context) error {
	l.ctx = ctx
	l.logger.Info("Listener started")
	defer l.loop.close()

	events := l.link.Events()
	for {
		select {
		case <-ctx.Done():
			l.stop()
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return l.hostLost()
			}
			switch ev.Kind {
			case transport.PeerConnected:
				l.logger.WithField("host", ev.Peer.Name).Info("Connected to host")
			case transport.PeerDisconnected:
				return l.hostLost()
			case transport.MessageReceived:
				if err := l.handleMessage(ev); err != nil {
					l.logger.WithError(err).WithField("command", ev.Command.String()).Warn("Command not applied")
				}
			}

		case res := <-l.clock.Results():
			l.handleCalibrated(res)

		case ev := <-l.engine.events():
			l.logger.WithField("event", ev.Kind).Debug("Engine event")

		case <-l.loop.wake:
			l.loop.drain()
		}
	}
}

func (l *Listener) hostLost() error {
	l.logger.Warn("Host disconnected")
	l.stop()
	return ErrHostDisconnected
}

// stop drops pending work and silences the engine
func (l *Listener) stop() {
	l.clock.Cancel()
	l.pending = nil
	l.cancelScheduled()
	l.coord.CancelAll()
	if eng := l.engine.get(); eng != nil {
		if err := eng.Pause(); err != nil {
			l.logger.WithError(err).Warn("Failed to pause engine")
		}
	}
}

// handleMessage routes probe replies with their receive stamp; everything
// else is a command
func (l *Listener) handleMessage(ev transport.Event) error {
	if ev.Command.Kind == protocol.KindProbeReply {
		if !l.prober.Deliver(ev.Command, ev.ReceivedAt) {
			l.logger.WithField("seq", ev.Command.Seq).Debug("Late probe reply")
		}
		return nil
	}
	return l.handleCommand(ev.Command)
}

func (l *Listener) handleCommand(cmd protocol.Command) error {
	switch cmd.Kind {
	case protocol.KindCalibrate:
		l.calibrate()
		return nil
	}

	eng := l.engine.get()
	switch cmd.Kind {
	case protocol.KindPlay, protocol.KindPause:
		if eng == nil {
			return ErrNoEngine
		}
		if l.clock.IsCalibrating() {
			if l.pending != nil {
				l.logger.WithField("replaced", l.pending.String()).Debug("Pending command superseded")
			}
			l.pending = &cmd
			l.logger.WithField("command", cmd.String()).Info("Calibrating, holding command")
			return nil
		}
		return l.apply(eng, cmd)

	case protocol.KindLoad:
		if eng == nil {
			return ErrNoEngine
		}
		return l.load(eng, cmd)

	case protocol.KindStatus:
		if eng == nil {
			return ErrNoEngine
		}
		l.send(stateCommand(eng, l.clock.NetworkTime(), l.config.Lookahead))
		return nil
	}

	l.logger.WithField("command", cmd.String()).Debug("Ignoring command")
	return nil
}

func (l *Listener) calibrate() {
	l.logger.Info("Host asked for calibration")
	if err := l.clock.BeginCalibration(l.ctx, l.prober); err != nil {
		l.logger.WithError(err).Warn("Cannot calibrate")
		l.send(protocol.Command{Kind: protocol.KindCalibrated, OK: false})
	}
}

// handleCalibrated reports the round to the host, then runs whatever was held
func (l *Listener) handleCalibrated(res clocksync.Result) {
	report := protocol.Command{Kind: protocol.KindCalibrated, OK: res.Err == nil}
	if res.Err == nil {
		report.Offset = res.Offset
		report.Delay = res.Delay
	}
	l.send(report)

	if l.pending == nil {
		return
	}
	cmd := *l.pending
	l.pending = nil

	eng := l.engine.get()
	if eng == nil {
		return
	}
	if err := l.apply(eng, cmd); err != nil {
		l.logger.WithError(err).WithField("command", cmd.String()).Warn("Held command not applied")
	}
}

func (l *Listener) apply(eng engine.Engine, cmd protocol.Command) error {
	if cmd.Kind == protocol.KindPause {
		l.schedule(cmd.TimeToExecute, func() error { return eng.Pause() })
		return nil
	}

	song := eng.CurrentSong()
	if song == nil {
		l.logger.Info("No song loaded, asking host for it")
		l.send(protocol.Command{Kind: protocol.KindGetSong})
		return fmt.Errorf("%w: play for %q with nothing loaded", ErrStaleCommand, cmd.Song)
	}
	if song.Title != cmd.Song {
		return fmt.Errorf("%w: play for %q, loaded %q", ErrStaleCommand, cmd.Song, song.Title)
	}

	latency := eng.OutputLatency()
	position := seconds(cmd.PlaybackTime) + latency

	if cmd.ContinuousPlay {
		// the host is already playing; catch up with the time spent in transit
		l.cancelScheduled()
		elapsed := l.clock.NetworkTime() - cmd.TimeAtPlaybackTime
		if elapsed > 0 {
			position += time.Duration(elapsed)
		}
		if err := eng.Seek(position); err != nil {
			return err
		}
		l.logger.WithField("position", position).Info("Joining playback")
		return eng.Play()
	}

	if err := eng.Seek(position); err != nil {
		return err
	}
	l.schedule(cmd.TimeToExecute, func() error { return eng.Play() })
	return nil
}

// schedule runs fn on the loop at a network time, replacing any play or
// pause still waiting
func (l *Listener) schedule(at int64, fn func() error) {
	l.cancelScheduled()
	gen := l.actionGen

	l.scheduled = l.coord.RunAtExactTime(at, func() {
		l.loop.post(func() {
			if gen != l.actionGen {
				return
			}
			l.scheduled = nil
			if err := fn(); err != nil {
				l.logger.WithError(err).Warn("Scheduled engine call failed")
			}
		})
	})
}

func (l *Listener) cancelScheduled() {
	l.actionGen++
	if l.scheduled != nil {
		l.scheduled.Cancel()
		l.scheduled = nil
	}
}

// load stores the song, hands the finished file to the engine and asks the
// host what to do with it
func (l *Listener) load(eng engine.Engine, cmd protocol.Command) error {
	item := cmd.SongItem
	name := item.Path
	if name == "" {
		name = item.Title
	}

	path, err := l.store.Store(name, cmd.File)
	if err != nil {
		return err
	}

	// the previous song's commands no longer apply
	l.pending = nil
	l.cancelScheduled()

	song := engine.SongItem{
		Title:  item.Title,
		Artist: item.Artist,
		Image:  item.Image,
		Path:   path,
	}
	if err := eng.LoadSong(song); err != nil {
		return fmt.Errorf("load %q: %w", item.Title, err)
	}

	l.logger.WithFields(logrus.Fields{
		"title": item.Title,
		"bytes": len(cmd.File),
	}).Info("Song loaded, requesting host state")
	l.send(protocol.Command{Kind: protocol.KindStatus})
	return nil
}

func (l *Listener) send(cmd protocol.Command) {
	if err := l.link.Send(cmd, nil); err != nil {
		l.logger.WithError(err).WithField("command", cmd.String()).Warn("Failed to send to host")
	}
}
