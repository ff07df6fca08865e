// ABOUTME: Listener application finding a host and following its playback
// ABOUTME: Reconnects after the host goes away, keeping one engine and song cache
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/airly-sync/airly-go/internal/config"
	"github.com/airly-sync/airly-go/internal/discovery"
	"github.com/airly-sync/airly-go/internal/engine"
	"github.com/airly-sync/airly-go/internal/playback"
	"github.com/airly-sync/airly-go/internal/songcache"
	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/internal/transport"
	"github.com/airly-sync/airly-go/internal/ui"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const reconnectDelay = 2 * time.Second

// Listener is one listening session
type Listener struct {
	config    config.Config
	cache     *songcache.Cache
	engine    *engine.Local
	discovery *discovery.Manager
	logger    *logrus.Entry

	mu    sync.Mutex
	host  transport.Peer
	clock *clocksync.ClockSync
}

// NewListener builds a listener session
func NewListener(cfg config.Config, deps Deps) (*Listener, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName("airly")
	}

	eng, err := newEngine(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("audio engine: %w", err)
	}

	l := &Listener{
		config: cfg,
		cache:  songcache.New(cfg.CacheDir),
		engine: eng,
		logger: logrus.WithField("component", "ListenerApp"),
	}
	if cfg.Host == "" {
		l.discovery = discovery.NewManager(discovery.Config{
			ServiceName: cfg.Name,
			ServiceType: cfg.ServiceType,
		})
	}
	return l, nil
}

// Run follows hosts until ctx ends or the user quits through controls,
// which may be nil. A lost host sends the session back to searching.
func (l *Listener) Run(ctx context.Context, controls *ui.Controls) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if controls != nil {
		go func() {
			select {
			case <-controls.Quit:
				l.logger.Info("Received quit signal from TUI")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	for {
		addr, path, err := l.findHost(ctx)
		if err != nil {
			return nil
		}

		err = l.follow(ctx, addr, path)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, playback.ErrHostDisconnected) {
			l.logger.Info("Host gone, searching again")
		} else {
			l.logger.WithError(err).WithField("addr", addr).Warn("Session with host failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// findHost returns the configured host or the first one mDNS reports
func (l *Listener) findHost(ctx context.Context) (string, string, error) {
	if l.discovery == nil {
		return l.config.Host, transport.DefaultPath, nil
	}

	if err := l.discovery.Browse(); err != nil {
		return "", "", err
	}
	defer l.discovery.StopBrowse()
	l.logger.Info("Starting host discovery...")

	wait := l.config.DiscoveryTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	timeout := time.NewTimer(wait)
	defer timeout.Stop()
	for {
		select {
		case host := <-l.discovery.Hosts():
			l.logger.WithFields(logrus.Fields{
				"name": host.Name,
				"addr": host.Addr(),
			}).Info("Discovered host")
			return host.Addr(), host.Path, nil
		case <-timeout.C:
			l.logger.WithField("after", wait).Warn("No host found yet, still searching")
			timeout.Reset(wait)
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
}

// follow connects to one host and runs the listener role until it ends.
// Each connection calibrates against its host with a fresh clock.
func (l *Listener) follow(ctx context.Context, addr, path string) error {
	client := transport.NewClient(transport.ClientConfig{
		Name:    l.config.Name,
		Options: transportOptions(l.config, path),
	})
	defer client.Close()

	if err := client.Connect(ctx, addr); err != nil {
		return err
	}

	clock := clocksync.NewClockSync(clockConfig(l.config, clocksync.RoleListener))
	role := playback.NewListener(playbackConfig(l.config), client, clock, l.cache, l.engine)

	host, _ := client.Host()
	l.mu.Lock()
	l.host, l.clock = host, clock
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.host, l.clock = transport.Peer{}, nil
		l.mu.Unlock()
	}()

	return role.Run(ctx)
}

// Name returns the name shown to hosts
func (l *Listener) Name() string {
	return l.config.Name
}

// Engine exposes the local engine
func (l *Listener) Engine() engine.Engine {
	return l.engine
}

// Status snapshots the session for display
func (l *Listener) Status() ui.StatusMsg {
	l.mu.Lock()
	host, clock := l.host, l.clock
	l.mu.Unlock()

	connected := clock != nil
	playing := l.engine.IsPlaying()
	msg := ui.StatusMsg{
		Connected: &connected,
		HostName:  host.Name,
		Playing:   &playing,
		Position:  l.engine.CurrentPlaybackTime(),
	}
	if song := l.engine.CurrentSong(); song != nil {
		msg.Title = song.Title
		msg.Artist = song.Artist
	}
	if clock != nil {
		calibrating := clock.IsCalibrating()
		offset, rtt, _ := clock.Stats()
		quality := clock.CheckQuality()
		msg.Calibrating = &calibrating
		msg.SyncOffset = offset
		msg.SyncRTT = rtt
		msg.SyncQuality = &quality
	}
	return msg
}

// Close releases the audio device and removes the cached song
func (l *Listener) Close() error {
	if l.discovery != nil {
		l.discovery.Stop()
	}
	return multierr.Combine(
		l.engine.Close(),
		l.cache.Clear(),
	)
}
