// ABOUTME: Host playback role
// ABOUTME: Mirrors local engine changes to every listener as scheduled commands
package playback

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/airly-sync/airly-go/internal/coordinator"
	"github.com/airly-sync/airly-go/internal/engine"
	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/internal/transport"
	"github.com/airly-sync/airly-go/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Host broadcasts the state of its engine. All engine calls and transport
// handling happen on the goroutine running Run.
type Host struct {
	config    Config
	transport transport.Transport
	clock     *clocksync.ClockSync
	coord     *coordinator.Coordinator
	engine    engineSlot
	loop      *loop
	logger    *logrus.Entry

	// readFile exports the current song for a load
	readFile func(path string) ([]byte, error)

	// served is the song path each listener was last sent since the song
	// changed; loop goroutine only
	served map[transport.PeerID]string
}

// NewHost creates the host role. clock must be a host clock; eng may be nil
// and attached later.
func NewHost(config Config, tr transport.Transport, clock *clocksync.ClockSync, eng engine.Engine) *Host {
	h := &Host{
		config:    config.withDefaults(),
		transport: tr,
		clock:     clock,
		loop:      newLoop(),
		logger:    logrus.WithField("component", "Host"),
		readFile:  os.ReadFile,
		served:    make(map[transport.PeerID]string),
	}
	h.engine.set(eng)
	h.coord = coordinator.New(clock, coordinator.RequesterFunc(h.requestCalibration))
	h.coord.SetCalibrationDeadline(h.config.CalibrationDeadline)
	return h
}

// AttachEngine selects the engine whose state is broadcast
func (h *Host) AttachEngine(eng engine.Engine) {
	h.engine.set(eng)
	h.loop.post(func() {
		h.logger.Info("Playback engine attached")
		h.served = make(map[transport.PeerID]string)
		h.sendSong(nil)
	})
}

// Peers returns the calibration state of every listener
func (h *Host) Peers() []coordinator.PeerInfo {
	return h.coord.Peers()
}

// Engine returns the attached engine or nil
func (h *Host) Engine() engine.Engine {
	return h.engine.get()
}

// TogglePlay plays or pauses the engine; listeners follow through its events
func (h *Host) TogglePlay() {
	h.withEngine("toggle", func(eng engine.Engine) error {
		if eng.IsPlaying() {
			return eng.Pause()
		}
		return eng.Play()
	})
}

// Next skips to the following song
func (h *Host) Next() {
	h.withEngine("next", func(eng engine.Engine) error { return eng.Next() })
}

// Previous goes back one song
func (h *Host) Previous() {
	h.withEngine("previous", func(eng engine.Engine) error { return eng.Previous() })
}

// LoadQueue replaces the engine queue unless something is playing; the
// playing queue is never pulled out from under listeners
func (h *Host) LoadQueue(items []engine.SongItem) {
	h.withEngine("load queue", func(eng engine.Engine) error {
		if eng.IsPlaying() {
			h.logger.WithField("songs", len(items)).Info("Library changed while playing, keeping queue")
			return nil
		}
		if len(items) == 0 {
			return nil
		}
		return eng.LoadQueue(items, 0)
	})
}

// Recalibrate asks every listener for a fresh calibration round
func (h *Host) Recalibrate() {
	h.loop.post(func() {
		ids := h.coord.PeerIDs()
		h.logger.WithField("peers", len(ids)).Info("Recalibrating listeners")
		h.coord.AskPeersToCalibrate(ids)
	})
}

func (h *Host) withEngine(op string, fn func(engine.Engine) error) {
	h.loop.post(func() {
		eng := h.engine.get()
		if eng == nil {
			h.logger.WithField("op", op).Warn(ErrNoEngine)
			return
		}
		if err := fn(eng); err != nil {
			h.logger.WithError(err).WithField("op", op).Warn("Engine operation failed")
		}
	})
}

// Run handles transport and engine events until ctx is done
func (h *Host) Run(ctx context.Context) error {
	h.logger.Info("Host started")
	defer h.shutdown()

	events := h.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.handleTransport(ev)

		case ev := <-h.engine.events():
			h.handleEngine(ev)

		case <-h.loop.wake:
			h.loop.drain()
		}
	}
}

func (h *Host) shutdown() {
	h.loop.close()
	h.coord.CancelAll()
	h.logger.Info("Host stopped")
}

func (h *Host) handleTransport(ev transport.Event) {
	id := ev.Peer.ID
	switch ev.Kind {
	case transport.PeerConnected:
		h.logger.WithFields(logrus.Fields{
			"peer": id,
			"name": ev.Peer.Name,
		}).Info("Listener joined, calibrating")
		h.coord.AddPeer(id)
		// register before asking so a fast reply cannot be missed
		h.coord.WhenEachPeerCalibrates([]transport.PeerID{id}, func(id transport.PeerID) {
			h.loop.post(func() { h.sendSong([]transport.PeerID{id}) })
		})
		h.coord.AskPeersToCalibrate([]transport.PeerID{id})

	case transport.PeerDisconnected:
		h.logger.WithField("peer", id).Info("Listener left")
		delete(h.served, id)
		h.coord.RemovePeer(id)

	case transport.MessageReceived:
		h.handleCommand(ev)
	}
}

func (h *Host) handleCommand(ev transport.Event) {
	id := ev.Peer.ID
	cmd := ev.Command
	to := []transport.PeerID{id}

	switch cmd.Kind {
	case protocol.KindProbe:
		reply := h.clock.HandleProbe(cmd.T0, ev.ReceivedAt)
		h.send(protocol.Command{
			Kind: protocol.KindProbeReply,
			Seq:  cmd.Seq,
			T0:   reply.T0,
			T1:   reply.T1,
			T2:   reply.T2,
		}, to)

	case protocol.KindCalibrated:
		if cmd.OK {
			h.coord.MarkCalibrated(id, cmd.Offset, cmd.Delay)
		} else {
			h.coord.MarkCalibrationFailed(id)
		}

	case protocol.KindStatus:
		eng := h.engine.get()
		if eng == nil {
			h.logger.WithField("peer", id).Warn(ErrNoEngine)
			return
		}
		h.logger.WithField("peer", id).Debug("Listener requested status")
		h.send(stateCommand(eng, h.clock.NetworkTime(), h.config.Lookahead), to)

	case protocol.KindGetSong:
		h.logger.WithField("peer", id).Info("Listener requested the song")
		delete(h.served, id)
		h.sendSong(to)

	default:
		h.logger.WithFields(logrus.Fields{
			"peer":    id,
			"command": cmd.String(),
		}).Debug("Ignoring command")
	}
}

func (h *Host) handleEngine(ev engine.Event) {
	h.logger.WithField("event", ev.Kind).Debug("Engine event")

	switch ev.Kind {
	case engine.SongChanged:
		h.served = make(map[transport.PeerID]string)
		h.sendSong(nil)
	case engine.Played:
		h.sendPlay(nil)
	case engine.Paused:
		h.sendPause(nil, h.config.RecalibrateOnPause)
	}
}

// sendPlay announces the current position; timeAtPlaybackTime lets late
// receivers of a continuous play compensate for transit
func (h *Host) sendPlay(to []transport.PeerID) {
	eng := h.engine.get()
	if eng == nil {
		return
	}
	song := eng.CurrentSong()
	if song == nil {
		h.logger.Debug("Not sending play, no current song")
		return
	}

	now := h.clock.NetworkTime()
	cmd := protocol.Play(
		now+int64(h.config.Lookahead),
		eng.CurrentPlaybackTime().Seconds(),
		eng.IsPlaying(),
		now,
		song.Title,
	)
	cmd.IsSpotify = song.Streamed
	h.send(cmd, to)
}

// sendPause stops listeners now and optionally recalibrates them while idle
func (h *Host) sendPause(to []transport.PeerID, recalibrate bool) {
	title, streamed := "", false
	if eng := h.engine.get(); eng != nil {
		if song := eng.CurrentSong(); song != nil {
			title, streamed = song.Title, song.Streamed
		}
	}

	cmd := protocol.Pause(h.clock.NetworkTime(), title)
	cmd.IsSpotify = streamed
	h.send(cmd, to)

	if recalibrate {
		h.coord.AskPeersToCalibrate(h.coord.PeerIDs())
	}
}

// sendSong pauses the targets, exports the current song off the loop and
// sends it once every target has calibrated. A nil to means all listeners.
func (h *Host) sendSong(to []transport.PeerID) {
	eng := h.engine.get()
	if eng == nil {
		h.logger.Warn(ErrNoEngine)
		return
	}

	h.sendPause(to, false)

	song := eng.CurrentSong()
	if song == nil {
		return
	}
	if song.Streamed || song.Path == "" {
		h.logger.WithField("title", song.Title).Info("Song has no exportable file, not sending")
		return
	}

	item := protocol.SongItem{
		Title:  song.Title,
		Artist: song.Artist,
		Image:  song.Image,
		Path:   filepath.Base(song.Path),
	}
	path := song.Path

	go func() {
		start := time.Now()
		data, err := h.readFile(path)
		h.loop.post(func() {
			if err != nil {
				h.logger.WithError(err).WithField("path", path).Warn("Failed to export song")
				return
			}
			if !h.isCurrent(path) {
				h.logger.WithField("title", item.Title).Debug("Song changed during export, dropping")
				return
			}
			h.logger.WithFields(logrus.Fields{
				"title": item.Title,
				"bytes": len(data),
				"took":  time.Since(start),
			}).Debug("Song exported")
			h.loadWhenCalibrated(to, protocol.Load(item, data), path)
		})
	}()
}

// loadWhenCalibrated sends load to the targets once none of them is still
// calibrating. Peers whose last round failed are served unsynced.
func (h *Host) loadWhenCalibrated(to []transport.PeerID, load protocol.Command, path string) {
	targets := to
	if targets == nil {
		targets = h.coord.PeerIDs()
	}
	if len(targets) == 0 {
		return
	}

	var calibrating []transport.PeerID
	for _, id := range targets {
		if h.coord.State(id) == clocksync.StateCalibrating {
			calibrating = append(calibrating, id)
		}
	}

	h.coord.WhenAllPeersCalibrate(calibrating, func() {
		h.loop.post(func() {
			if !h.isCurrent(path) {
				return
			}
			// a listener that joined while this load waited already got
			// the file from its own push
			var live []transport.PeerID
			for _, id := range targets {
				if h.coord.State(id) == clocksync.StateDisconnected || h.served[id] == path {
					continue
				}
				live = append(live, id)
			}
			if len(live) == 0 {
				return
			}
			h.logger.WithFields(logrus.Fields{
				"song":  load.SongItem.Title,
				"peers": len(live),
			}).Info("Sending song")
			h.send(load, live)
			for _, id := range live {
				h.served[id] = path
			}
		})
	})
}

func (h *Host) isCurrent(path string) bool {
	eng := h.engine.get()
	if eng == nil {
		return false
	}
	song := eng.CurrentSong()
	return song != nil && song.Path == path
}

func (h *Host) requestCalibration(ids []transport.PeerID) error {
	return h.transport.Send(protocol.Command{Kind: protocol.KindCalibrate}, ids)
}

// send logs failures; an unreachable listener is an audience change, not an
// error for the host
func (h *Host) send(cmd protocol.Command, to []transport.PeerID) {
	if err := h.transport.Send(cmd, to); err != nil {
		h.logger.WithError(err).WithField("command", cmd.String()).Debug("Send incomplete")
	}
}
