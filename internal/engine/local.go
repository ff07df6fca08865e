// ABOUTME: Local file playback engine
// ABOUTME: Decodes the current song to PCM and plays it through an Output
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LocalConfig holds local engine settings
type LocalConfig struct {
	Output        Output        // nil opens the default oto device
	SampleRate    int           // device rate when Output is nil
	BufferSize    time.Duration // device buffer when Output is nil
	DeviceLatency time.Duration // added to buffered audio in OutputLatency
	PollInterval  time.Duration // end of track detection
	Decode        func(path string) (*PCM, error)
}

// pcmSource is a seekable reader over decoded audio that records how far the
// player has read
type pcmSource struct {
	mu   sync.Mutex
	data []byte
	off  int64
}

func (s *pcmSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.off:])
	s.off += int64(n)
	return n, nil
}

func (s *pcmSource) offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.off
}

func (s *pcmSource) exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.off >= int64(len(s.data))
}

// Local plays local MP3 and FLAC files
type Local struct {
	mu     sync.Mutex
	config LocalConfig
	out    Output
	rate   int
	logger *logrus.Entry

	queue []SongItem
	index int

	data    []byte // current song as device-rate PCM
	src     *pcmSource
	player  Player
	playing bool

	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Engine = (*Local)(nil)

// NewLocal creates a local engine and starts end of track detection
func NewLocal(config LocalConfig) (*Local, error) {
	if config.SampleRate <= 0 {
		config.SampleRate = 44100
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.Decode == nil {
		config.Decode = DecodeFile
	}

	out := config.Output
	if out == nil {
		var err error
		out, err = NewOtoOutput(config.SampleRate, config.BufferSize)
		if err != nil {
			return nil, err
		}
	}

	l := &Local{
		config: config,
		out:    out,
		rate:   out.SampleRate(),
		logger: logrus.WithField("component", "LocalEngine"),
		index:  -1,
		events: make(chan Event, 32),
		stop:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.watchTrackEnd()
	return l, nil
}

// Events delivers playback changes
func (l *Local) Events() <-chan Event {
	return l.events
}

func (l *Local) emit(events ...Event) {
	for _, ev := range events {
		select {
		case l.events <- ev:
		case <-l.stop:
			return
		}
	}
}

// IsPlaying reports whether audio is being rendered
func (l *Local) IsPlaying() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playing
}

// CurrentSong returns the loaded song or nil
func (l *Local) CurrentSong() *SongItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentLocked()
}

func (l *Local) currentLocked() *SongItem {
	if l.index < 0 || l.index >= len(l.queue) {
		return nil
	}
	song := l.queue[l.index]
	return &song
}

// CurrentPlaybackTime is the position of the sample being heard
func (l *Local) CurrentPlaybackTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positionLocked()
}

func (l *Local) positionLocked() time.Duration {
	if l.src == nil {
		return 0
	}
	heard := l.src.offset() - int64(l.player.BufferedSize())
	return bytesToDuration(heard, l.rate)
}

func (l *Local) CanSkipNext() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index >= 0 && l.index < len(l.queue)-1
}

func (l *Local) CanSkipPrevious() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index > 0
}

// Play starts or resumes the current song
func (l *Local) Play() error {
	l.mu.Lock()
	if l.player == nil {
		l.mu.Unlock()
		return ErrNoSong
	}
	l.player.Play()
	changed := !l.playing
	l.playing = true
	song := l.currentLocked()
	l.mu.Unlock()

	if changed {
		l.emit(Event{Kind: Played, Song: song})
	}
	return nil
}

// Pause stops rendering; pausing with nothing loaded is a no-op
func (l *Local) Pause() error {
	l.mu.Lock()
	if l.player == nil {
		l.mu.Unlock()
		return nil
	}
	l.player.Pause()
	changed := l.playing
	l.playing = false
	song := l.currentLocked()
	l.mu.Unlock()

	if changed {
		l.emit(Event{Kind: Paused, Song: song})
	}
	return nil
}

// Seek moves playback to position, clamped to the song
func (l *Local) Seek(position time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.data == nil {
		return ErrNoSong
	}
	off := byteOffset(position, l.rate)
	if off < 0 {
		off = 0
	}
	if off > int64(len(l.data)) {
		off = int64(len(l.data)) - int64(len(l.data))%bytesPerFrame
	}
	l.startPlayerLocked(off)
	return nil
}

// startPlayerLocked replaces the player with one reading from off. The old
// player's buffered audio is discarded.
func (l *Local) startPlayerLocked(off int64) {
	if l.player != nil {
		l.player.Pause()
		if err := l.player.Close(); err != nil {
			l.logger.WithError(err).Warn("Closing player failed")
		}
	}
	l.src = &pcmSource{data: l.data, off: off}
	l.player = l.out.NewPlayer(l.src)
	if l.playing {
		l.player.Play()
	}
}

// LoadSong replaces the queue with a single song, paused at the start
func (l *Local) LoadSong(item SongItem) error {
	return l.LoadQueue([]SongItem{item}, 0)
}

// LoadQueue replaces the queue and loads items[start], paused
func (l *Local) LoadQueue(items []SongItem, start int) error {
	if start < 0 || start >= len(items) {
		return fmt.Errorf("start index %d out of range for %d items", start, len(items))
	}

	data, err := l.decode(items[start])
	if err != nil {
		return err
	}

	queue := make([]SongItem, len(items))
	copy(queue, items)

	l.mu.Lock()
	l.queue = queue
	l.playing = false
	l.setSongLocked(start, data)
	song := l.currentLocked()
	l.mu.Unlock()

	l.emit(Event{Kind: QueueChanged}, Event{Kind: SongChanged, Song: song})
	return nil
}

// Next advances to the following song, keeping the play state
func (l *Local) Next() error {
	return l.skip(1)
}

// Previous goes back one song, keeping the play state
func (l *Local) Previous() error {
	return l.skip(-1)
}

func (l *Local) skip(delta int) error {
	l.mu.Lock()
	target := l.index + delta
	if l.index < 0 || target < 0 || target >= len(l.queue) {
		l.mu.Unlock()
		return fmt.Errorf("no song to skip to")
	}
	item := l.queue[target]
	l.mu.Unlock()

	data, err := l.decode(item)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.setSongLocked(target, data)
	song := l.currentLocked()
	l.mu.Unlock()

	l.emit(Event{Kind: SongChanged, Song: song})
	return nil
}

func (l *Local) setSongLocked(index int, data []byte) {
	l.index = index
	l.data = data
	l.startPlayerLocked(0)
}

func (l *Local) decode(item SongItem) ([]byte, error) {
	pcm, err := l.config.Decode(item.Path)
	if err != nil {
		return nil, err
	}
	pcm = pcm.Resample(l.rate)

	l.logger.WithFields(logrus.Fields{
		"title":    item.Title,
		"duration": pcm.Duration().Round(time.Millisecond),
	}).Info("Loaded song")
	return pcm.Bytes(), nil
}

// Authorize is a no-op for local files
func (l *Local) Authorize(ctx context.Context) error {
	return nil
}

// OutputLatency is the buffered audio plus the configured device latency
func (l *Local) OutputLatency() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	latency := l.config.DeviceLatency
	if l.player != nil {
		latency += bytesToDuration(int64(l.player.BufferedSize()), l.rate)
	}
	return latency
}

// watchTrackEnd advances the queue when a playing song runs out
func (l *Local) watchTrackEnd() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		ended := l.playing && l.src != nil && l.src.exhausted() && l.player.BufferedSize() == 0
		hasNext := l.index >= 0 && l.index < len(l.queue)-1
		l.mu.Unlock()

		if !ended {
			continue
		}
		if hasNext {
			if err := l.Next(); err != nil {
				l.logger.WithError(err).Warn("Advancing to next song failed")
				l.Pause()
			}
			continue
		}

		l.logger.Debug("Queue finished")
		l.Pause()
		l.Seek(0)
	}
}

// Close stops playback and releases the device
func (l *Local) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		l.wg.Wait()

		l.mu.Lock()
		if l.player != nil {
			l.player.Pause()
			l.player.Close()
			l.player = nil
		}
		l.playing = false
		l.mu.Unlock()

		err = l.out.Close()
	})
	return err
}
