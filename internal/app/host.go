// ABOUTME: Host application wiring transport, discovery, library and engine
// ABOUTME: Serves listeners and mirrors local playback to them
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/airly-sync/airly-go/internal/config"
	"github.com/airly-sync/airly-go/internal/discovery"
	"github.com/airly-sync/airly-go/internal/engine"
	"github.com/airly-sync/airly-go/internal/library"
	"github.com/airly-sync/airly-go/internal/playback"
	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/internal/transport"
	"github.com/airly-sync/airly-go/internal/ui"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Host is one hosting session
type Host struct {
	config    config.Config
	server    *transport.Server
	discovery *discovery.Manager
	engine    *engine.Local
	library   *library.Library
	role      *playback.Host
	logger    *logrus.Entry

	mu    sync.Mutex
	songs int
}

// NewHost builds a host session. Nothing is served until Start.
func NewHost(cfg config.Config, deps Deps) (*Host, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName("airly-host")
	}

	eng, err := newEngine(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("audio engine: %w", err)
	}

	server := transport.NewServer(transport.ServerConfig{
		Port:    cfg.Port,
		Name:    cfg.Name,
		Options: transportOptions(cfg, transport.DefaultPath),
	})
	clock := clocksync.NewClockSync(clockConfig(cfg, clocksync.RoleHost))

	return &Host{
		config:  cfg,
		server:  server,
		engine:  eng,
		library: library.New(cfg.MusicDir, 0),
		role:    playback.NewHost(playbackConfig(cfg), server, clock, eng),
		logger:  logrus.WithField("component", "HostApp"),
	}, nil
}

// Start opens the listening socket, advertises it and loads the library
func (h *Host) Start() error {
	if err := h.server.Start(); err != nil {
		return err
	}

	if !h.config.NoMDNS {
		h.discovery = discovery.NewManager(discovery.Config{
			ServiceName: h.config.Name,
			ServiceType: h.config.ServiceType,
			Port:        h.server.Port(),
			Path:        transport.DefaultPath,
		})
		if err := h.discovery.Advertise(); err != nil {
			// manual -host still works without mDNS
			h.logger.WithError(err).Warn("mDNS advertisement failed")
		}
	}

	songs, err := h.library.Scan()
	if err != nil {
		h.logger.WithError(err).Warn("Library scan failed")
	}
	h.setQueue(songs)

	if err := h.library.Watch(); err != nil {
		h.logger.WithError(err).Warn("Library changes will not be picked up")
	}

	h.logger.WithFields(logrus.Fields{
		"name":  h.config.Name,
		"port":  h.server.Port(),
		"songs": len(songs),
	}).Info("Host ready")
	return nil
}

func (h *Host) setQueue(songs []engine.SongItem) {
	h.mu.Lock()
	h.songs = len(songs)
	h.mu.Unlock()
	h.role.LoadQueue(songs)
}

// Port returns the port listeners connect to
func (h *Host) Port() int {
	return h.server.Port()
}

// Name returns the advertised name
func (h *Host) Name() string {
	return h.config.Name
}

// Role exposes the playback role
func (h *Host) Role() *playback.Host {
	return h.role
}

// Run serves listeners until ctx ends or the user quits through controls,
// which may be nil
func (h *Host) Run(ctx context.Context, controls *ui.Controls) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.role.Run(ctx) }()

	var commands <-chan ui.Control
	var quit <-chan struct{}
	if controls != nil {
		commands, quit = controls.Commands, controls.Quit
	}

	for {
		select {
		case <-ctx.Done():
			<-done
			return nil

		case err := <-done:
			return err

		case <-quit:
			h.logger.Info("Received quit signal from TUI")
			cancel()
			<-done
			return nil

		case songs := <-h.library.Updates():
			h.logger.WithField("songs", len(songs)).Info("Library changed")
			h.setQueue(songs)

		case c := <-commands:
			h.logger.WithField("control", c).Debug("Control")
			switch c {
			case ui.ControlTogglePlay:
				h.role.TogglePlay()
			case ui.ControlNext:
				h.role.Next()
			case ui.ControlPrevious:
				h.role.Previous()
			case ui.ControlRecalibrate:
				h.role.Recalibrate()
			}
		}
	}
}

// Status snapshots the session for display
func (h *Host) Status() ui.HostStatus {
	names := make(map[transport.PeerID]string)
	for _, p := range h.server.Peers() {
		names[p.ID] = p.Name
	}

	var status ui.HostStatus
	for _, p := range h.role.Peers() {
		status.Peers = append(status.Peers, ui.PeerView{
			ID:     string(p.ID),
			Name:   names[p.ID],
			State:  p.State,
			Offset: p.Offset,
			Delay:  p.Delay,
		})
	}

	if song := h.engine.CurrentSong(); song != nil {
		status.Title = song.Title
		status.Artist = song.Artist
	}
	status.Playing = h.engine.IsPlaying()
	status.Position = h.engine.CurrentPlaybackTime()

	h.mu.Lock()
	status.Songs = h.songs
	h.mu.Unlock()
	return status
}

// Close stops serving and releases the audio device
func (h *Host) Close() error {
	if h.discovery != nil {
		h.discovery.Stop()
	}
	return multierr.Combine(
		h.library.Close(),
		h.server.Close(),
		h.engine.Close(),
	)
}
