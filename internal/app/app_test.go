// ABOUTME: Tests for host and listener application wiring
// ABOUTME: Runs a real host and listener over loopback with silent audio devices
package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airly-sync/airly-go/internal/config"
	"github.com/airly-sync/airly-go/internal/engine"
	"github.com/airly-sync/airly-go/internal/ui"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentPlayer never reads its source, so nothing reaches the end of a song
type silentPlayer struct {
	mu      sync.Mutex
	playing bool
}

func (p *silentPlayer) Play()             { p.set(true) }
func (p *silentPlayer) Pause()            { p.set(false) }
func (p *silentPlayer) BufferedSize() int { return 0 }
func (p *silentPlayer) Close() error      { return nil }

func (p *silentPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *silentPlayer) set(playing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = playing
}

type silentOutput struct{}

func (silentOutput) NewPlayer(src io.Reader) engine.Player { return &silentPlayer{} }
func (silentOutput) SampleRate() int                       { return 1000 }
func (silentOutput) Close() error                          { return nil }

func silence(path string) (*engine.PCM, error) {
	return &engine.PCM{SampleRate: 1000, Samples: make([]int16, 2*5000)}, nil
}

func testDeps() Deps {
	return Deps{Output: silentOutput{}, Decode: silence}
}

func hostConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Morning.mp3"), []byte("frames"), 0o644))

	cfg := config.Default()
	cfg.Name = "test-host"
	cfg.Port = 0
	cfg.MusicDir = dir
	cfg.NoMDNS = true
	cfg.Playback.Lookahead = 200 * time.Millisecond
	cfg.Playback.RecalibrateOnPause = false
	return cfg
}

func startHost(t *testing.T, cfg config.Config, controls *ui.Controls) *Host {
	t.Helper()
	host, err := NewHost(cfg, testDeps())
	require.NoError(t, err)
	require.NoError(t, host.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.Run(ctx, controls) }()
	t.Cleanup(func() {
		cancel()
		<-done
		assert.NoError(t, host.Close())
	})
	return host
}

func TestHostAndListenerPlayTogether(t *testing.T) {
	controls := ui.NewControls()
	host := startHost(t, hostConfig(t), controls)

	cfg := config.Default()
	cfg.Name = "test-listener"
	cfg.Host = "127.0.0.1:" + strconv.Itoa(host.Port())
	cfg.CacheDir = t.TempDir()

	listener, err := NewListener(cfg, testDeps())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx, nil) }()

	require.Eventually(t, func() bool {
		song := listener.Engine().CurrentSong()
		return song != nil && song.Title == "Morning"
	}, 5*time.Second, 10*time.Millisecond, "song pushed after calibration")

	status := listener.Status()
	require.NotNil(t, status.Connected)
	assert.True(t, *status.Connected)
	assert.Equal(t, "test-host", status.HostName)

	controls.Commands <- ui.ControlTogglePlay
	require.Eventually(t, listener.Engine().IsPlaying, 5*time.Second, 10*time.Millisecond)
	assert.True(t, host.Status().Playing)

	controls.Commands <- ui.ControlTogglePlay
	require.Eventually(t, func() bool { return !listener.Engine().IsPlaying() }, 5*time.Second, 10*time.Millisecond)

	hs := host.Status()
	require.Len(t, hs.Peers, 1)
	assert.Equal(t, "test-listener", hs.Peers[0].Name)
	assert.Equal(t, 1, hs.Songs)

	cancel()
	assert.NoError(t, <-done)

	cached, err := os.ReadDir(cfg.CacheDir)
	require.NoError(t, err)
	assert.NotEmpty(t, cached)
	require.NoError(t, listener.Close())
	cached, err = os.ReadDir(cfg.CacheDir)
	require.NoError(t, err)
	assert.Empty(t, cached, "close clears the cached song")
}

func TestHostQuitFromControls(t *testing.T) {
	host, err := NewHost(hostConfig(t), testDeps())
	require.NoError(t, err)
	require.NoError(t, host.Start())
	defer host.Close()

	controls := ui.NewControls()
	done := make(chan error, 1)
	go func() { done <- host.Run(context.Background(), controls) }()

	controls.Quit <- struct{}{}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("host did not stop")
	}
}

func TestListenerStatusWhileSearching(t *testing.T) {
	cfg := config.Default()
	cfg.Host = "127.0.0.1:1"
	cfg.CacheDir = t.TempDir()

	listener, err := NewListener(cfg, testDeps())
	require.NoError(t, err)
	defer listener.Close()

	status := listener.Status()
	require.NotNil(t, status.Connected)
	assert.False(t, *status.Connected)
	assert.Nil(t, status.SyncQuality)
	assert.True(t, strings.HasSuffix(listener.config.Name, "-airly"))
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetOutput(os.Stderr)
	defer logrus.SetLevel(logrus.InfoLevel)

	path := filepath.Join(t.TempDir(), "airly.log")
	closer, err := SetupLogging(path, true, true)
	require.NoError(t, err)

	logrus.WithField("component", "Test").Debug("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), "component=Test")

	_, err = SetupLogging(filepath.Join(t.TempDir(), "missing", "airly.log"), false, false)
	assert.Error(t, err)
}

func TestReportStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan int, 4)
	n := 0

	go ReportStatus(ctx, func() int { n++; return n }, func(v int) {
		select {
		case got <- v:
		default:
		}
	})

	assert.Equal(t, 1, <-got)
	assert.Equal(t, 2, <-got)
	cancel()
}
