// ABOUTME: Host music library: scans a directory for playable songs
// ABOUTME: Watches it with fsnotify and publishes a fresh queue on changes
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/airly-sync/airly-go/internal/engine"
	"github.com/fsnotify/fsnotify"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/meta"
	"github.com/sirupsen/logrus"
)

const (
	unknownArtist   = "Unknown Artist"
	defaultDebounce = 500 * time.Millisecond
)

// coverNames are checked next to a song when it carries no picture
var coverNames = []string{"cover.jpg", "cover.png", "folder.jpg", "folder.png"}

// Scan returns every playable song under dir, ordered by path
func Scan(dir string) ([]engine.SongItem, error) {
	var songs []engine.SongItem

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if engine.SupportedExtension(path) {
			songs = append(songs, ReadSong(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	sort.Slice(songs, func(i, j int) bool { return songs[i].Path < songs[j].Path })
	return songs, nil
}

// ReadSong describes one file. The title comes from the file name unless the
// file is tagged; artwork comes from an embedded picture or a cover image in
// the same directory.
func ReadSong(path string) engine.SongItem {
	name := filepath.Base(path)
	song := engine.SongItem{
		Title:  strings.TrimSuffix(name, filepath.Ext(name)),
		Artist: unknownArtist,
		Path:   path,
	}

	if strings.EqualFold(filepath.Ext(path), ".flac") {
		readFLACTags(path, &song)
	}
	if song.Image == nil {
		song.Image = findCover(filepath.Dir(path))
	}
	return song
}

func readFLACTags(path string, song *engine.SongItem) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		logrus.WithField("component", "Library").WithError(err).WithField("path", path).Debug("Cannot read FLAC tags")
		return
	}
	defer stream.Close()

	for _, block := range stream.Blocks {
		switch body := block.Body.(type) {
		case *meta.VorbisComment:
			for _, tag := range body.Tags {
				switch strings.ToUpper(tag[0]) {
				case "TITLE":
					if tag[1] != "" {
						song.Title = tag[1]
					}
				case "ARTIST":
					if tag[1] != "" {
						song.Artist = tag[1]
					}
				}
			}
		case *meta.Picture:
			if song.Image == nil && len(body.Data) > 0 {
				song.Image = body.Data
			}
		}
	}
}

func findCover(dir string) []byte {
	for _, name := range coverNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil && len(data) > 0 {
			return data
		}
	}
	return nil
}

// Library keeps the song list for a directory current
type Library struct {
	dir      string
	debounce time.Duration
	logger   *logrus.Entry

	watcher *fsnotify.Watcher
	updates chan []engine.SongItem

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a library for dir. debounce groups bursts of file events; zero
// uses the default.
func New(dir string, debounce time.Duration) *Library {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Library{
		dir:      dir,
		debounce: debounce,
		logger:   logrus.WithField("component", "Library"),
		updates:  make(chan []engine.SongItem, 1),
		stop:     make(chan struct{}),
	}
}

// Dir returns the watched directory
func (l *Library) Dir() string {
	return l.dir
}

// Scan lists the library now
func (l *Library) Scan() ([]engine.SongItem, error) {
	songs, err := Scan(l.dir)
	if err != nil {
		return nil, err
	}
	l.logger.WithFields(logrus.Fields{
		"dir":   l.dir,
		"songs": len(songs),
	}).Info("Library scanned")
	return songs, nil
}

// Updates delivers the full song list after the directory changes. Only the
// latest list is kept if the reader falls behind.
func (l *Library) Updates() <-chan []engine.SongItem {
	return l.updates
}

// Watch starts watching the directory tree
func (l *Library) Watch() error {
	if l.watcher != nil {
		return errors.New("library already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	l.watcher = watcher

	if err := l.addTree(l.dir); err != nil {
		watcher.Close()
		l.watcher = nil
		return err
	}

	l.wg.Add(1)
	go l.watchLoop()
	return nil
}

// addTree watches dir and every visible subdirectory; fsnotify is not recursive
func (l *Library) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := l.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (l *Library) watchLoop() {
	defer l.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-l.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !l.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				timer.Reset(l.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			l.rescan()

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Warn("Watcher error")
		}
	}
}

// relevant reports whether event can change the song list. New directories
// are added to the watch as a side effect.
func (l *Library) relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := l.addTree(event.Name); err != nil {
				l.logger.WithError(err).Warn("Failed to watch new directory")
			}
			return true
		}
	}
	if engine.SupportedExtension(event.Name) {
		return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
			event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	}
	// a removed directory has no extension to go by
	return event.Has(fsnotify.Remove) && filepath.Ext(event.Name) == ""
}

func (l *Library) rescan() {
	songs, err := l.Scan()
	if err != nil {
		l.logger.WithError(err).Warn("Rescan failed")
		return
	}

	// replace an unread list so readers always get the newest
	select {
	case <-l.updates:
	default:
	}
	select {
	case l.updates <- songs:
	default:
	}
}

// Close stops watching
func (l *Library) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		l.wg.Wait()
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}
