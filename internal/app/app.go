// ABOUTME: Shared session plumbing for the host and listener applications
// ABOUTME: Builds the local engine and the calibration and playback settings
package app

import (
	"context"
	"time"

	"github.com/airly-sync/airly-go/internal/config"
	"github.com/airly-sync/airly-go/internal/engine"
	"github.com/airly-sync/airly-go/internal/playback"
	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/internal/transport"
)

const statusInterval = 500 * time.Millisecond

// Deps replaces the devices a session would otherwise open itself
type Deps struct {
	Output engine.Output                          // nil opens the default audio device
	Decode func(path string) (*engine.PCM, error) // nil decodes MP3 and FLAC files
}

func newEngine(cfg config.Config, deps Deps) (*engine.Local, error) {
	return engine.NewLocal(engine.LocalConfig{
		Output:        deps.Output,
		SampleRate:    cfg.Audio.SampleRate,
		BufferSize:    cfg.Audio.Buffer,
		DeviceLatency: cfg.Audio.DeviceLatency,
		Decode:        deps.Decode,
	})
}

func playbackConfig(cfg config.Config) playback.Config {
	return playback.Config{
		Lookahead:          cfg.Playback.Lookahead,
		RecalibrateOnPause: cfg.Playback.RecalibrateOnPause,
		// listeners share the host's sync settings
		CalibrationDeadline: cfg.Sync.RoundDeadline(),
	}
}

func clockConfig(cfg config.Config, role clocksync.Role) clocksync.Config {
	return clocksync.Config{
		Role:          role,
		Probes:        cfg.Sync.Probes,
		ProbeTimeout:  cfg.Sync.ProbeTimeout,
		MaxAttempts:   cfg.Sync.Attempts,
		ProbeInterval: cfg.Sync.ProbeInterval,
	}
}

func transportOptions(cfg config.Config, path string) transport.Options {
	return transport.Options{
		Path:       path,
		SendBuffer: cfg.SendBuffer,
	}
}

// ReportStatus sends a fresh status every interval until ctx ends
func ReportStatus[T any](ctx context.Context, status func() T, send func(T)) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			send(status())
		case <-ctx.Done():
			return
		}
	}
}
