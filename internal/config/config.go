// ABOUTME: Runtime configuration for hosts and listeners
// ABOUTME: Defaults, optional YAML file and command line overrides
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Role selects which flags are registered
type Role int

const (
	RoleHost Role = iota
	RoleListener
)

// Config holds every tunable of a session
type Config struct {
	Name        string `yaml:"name"`
	Port        int    `yaml:"port"`
	ServiceType string `yaml:"service_type"`

	// Host is a manual host:port for listeners; empty means browse mDNS
	Host             string        `yaml:"host"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	MusicDir string `yaml:"music_dir"`
	CacheDir string `yaml:"cache_dir"`

	Sync     SyncConfig     `yaml:"sync"`
	Playback PlaybackConfig `yaml:"playback"`
	Audio    AudioConfig    `yaml:"audio"`

	SendBuffer int `yaml:"send_buffer"`

	LogFile string `yaml:"log_file"`
	Debug   bool   `yaml:"debug"`
	NoTUI   bool   `yaml:"no_tui"`
	NoMDNS  bool   `yaml:"no_mdns"`
}

// SyncConfig tunes clock calibration
type SyncConfig struct {
	Probes        int           `yaml:"probes"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	Attempts      int           `yaml:"attempts"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// roundMargin covers message transit around a listener's probe round
const roundMargin = 2 * time.Second

// RoundDeadline is the longest a listener round with these settings can take
// before it reports, plus a margin
func (s SyncConfig) RoundDeadline() time.Duration {
	probes := time.Duration(s.Probes)
	return probes*time.Duration(s.Attempts)*s.ProbeTimeout + probes*s.ProbeInterval + roundMargin
}

// PlaybackConfig tunes command scheduling
type PlaybackConfig struct {
	Lookahead          time.Duration `yaml:"lookahead"`
	RecalibrateOnPause bool          `yaml:"recalibrate_on_pause"`
}

// AudioConfig tunes the local output
type AudioConfig struct {
	SampleRate    int           `yaml:"sample_rate"`
	Buffer        time.Duration `yaml:"buffer"`
	DeviceLatency time.Duration `yaml:"device_latency"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Port:             8927,
		DiscoveryTimeout: 10 * time.Second,
		MusicDir:         ".",
		Sync: SyncConfig{
			Probes:        8,
			ProbeTimeout:  500 * time.Millisecond,
			Attempts:      3,
			ProbeInterval: 20 * time.Millisecond,
		},
		Playback: PlaybackConfig{
			Lookahead:          time.Second,
			RecalibrateOnPause: true,
		},
		Audio: AudioConfig{
			SampleRate: 44100,
			Buffer:     100 * time.Millisecond,
		},
		SendBuffer: 64,
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (Config, error) {
	c := Default()
	if err := c.merge(path); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c *Config) merge(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Parse builds the configuration from args. A -config file is applied over
// the defaults and any flag given on the command line wins over the file.
func Parse(role Role, args []string) (Config, error) {
	c := Default()
	c.LogFile = programName(role) + ".log"
	fs := flag.NewFlagSet(programName(role), flag.ContinueOnError)
	path := fs.String("config", "", "YAML config file")
	c.register(fs, role)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if *path != "" {
		if err := c.merge(*path); err != nil {
			return Config{}, err
		}
		// parse again so explicit flags override the file
		if err := fs.Parse(args); err != nil {
			return Config{}, err
		}
	}
	return c, c.Validate()
}

func programName(role Role) string {
	if role == RoleHost {
		return "airly-host"
	}
	return "airly"
}

func (c *Config) register(fs *flag.FlagSet, role Role) {
	fs.StringVar(&c.Name, "name", c.Name, "Friendly name shown to peers (default: hostname)")
	fs.StringVar(&c.ServiceType, "service", c.ServiceType, "mDNS service type (default: _airly._tcp)")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "Log file path")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
	fs.BoolVar(&c.NoTUI, "no-tui", c.NoTUI, "Disable TUI, use streaming logs instead")
	fs.IntVar(&c.SendBuffer, "send-buffer", c.SendBuffer, "Queued frames per connection")
	fs.IntVar(&c.Audio.SampleRate, "sample-rate", c.Audio.SampleRate, "Output sample rate")
	fs.DurationVar(&c.Audio.Buffer, "output-buffer", c.Audio.Buffer, "Audio device buffer")
	fs.DurationVar(&c.Audio.DeviceLatency, "device-latency", c.Audio.DeviceLatency, "Extra output latency of the audio device")

	switch role {
	case RoleHost:
		fs.IntVar(&c.Port, "port", c.Port, "Port to listen on")
		fs.StringVar(&c.MusicDir, "music", c.MusicDir, "Directory with MP3 and FLAC files")
		fs.BoolVar(&c.NoMDNS, "no-mdns", c.NoMDNS, "Do not advertise via mDNS")
		fs.DurationVar(&c.Playback.Lookahead, "lookahead", c.Playback.Lookahead, "Delay between a play and its execution on listeners")
		fs.BoolVar(&c.Playback.RecalibrateOnPause, "recalibrate-on-pause", c.Playback.RecalibrateOnPause, "Recalibrate listeners whenever playback pauses")
	case RoleListener:
		fs.StringVar(&c.Host, "host", c.Host, "Manual host address (skip mDNS)")
		fs.DurationVar(&c.DiscoveryTimeout, "discovery-timeout", c.DiscoveryTimeout, "How long to browse for a host")
		fs.StringVar(&c.CacheDir, "cache", c.CacheDir, "Directory for the received song")
		fs.IntVar(&c.Sync.Probes, "probes", c.Sync.Probes, "Probes per calibration round")
		fs.DurationVar(&c.Sync.ProbeTimeout, "probe-timeout", c.Sync.ProbeTimeout, "Wait per probe")
		fs.IntVar(&c.Sync.Attempts, "probe-attempts", c.Sync.Attempts, "Tries per probe before a round fails")
		fs.DurationVar(&c.Sync.ProbeInterval, "probe-interval", c.Sync.ProbeInterval, "Pause between probes")
	}
}

// Validate rejects values no session can run with
func (c Config) Validate() error {
	var err error
	if c.Port < 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Sync.Probes <= 0 {
		err = multierr.Append(err, errors.New("probes must be positive"))
	}
	if c.Sync.Attempts <= 0 {
		err = multierr.Append(err, errors.New("probe attempts must be positive"))
	}
	if c.Sync.ProbeTimeout <= 0 {
		err = multierr.Append(err, errors.New("probe timeout must be positive"))
	}
	if c.Playback.Lookahead < 0 {
		err = multierr.Append(err, errors.New("lookahead cannot be negative"))
	}
	if c.Audio.SampleRate <= 0 {
		err = multierr.Append(err, errors.New("sample rate must be positive"))
	}
	if c.SendBuffer <= 0 {
		err = multierr.Append(err, errors.New("send buffer must be positive"))
	}
	return err
}
