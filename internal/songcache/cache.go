// ABOUTME: Single-slot on-disk cache for the song received from the host
// ABOUTME: New files are written beside the slot and renamed in once complete
package songcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ErrFileIO wraps every cache write or delete failure
var ErrFileIO = errors.New("song cache io error")

const slotName = "song"

// Cache keeps at most one song file in a directory
type Cache struct {
	mu      sync.Mutex
	dir     string
	current string
	logger  *logrus.Entry
}

// New creates a cache in dir. An empty dir uses a directory under the
// system temp dir.
func New(dir string) *Cache {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "airly")
	}
	return &Cache{
		dir:    dir,
		logger: logrus.WithField("component", "SongCache"),
	}
}

// Dir returns the cache directory
func (c *Cache) Dir() string {
	return c.dir
}

// Current returns the path of the cached song, or "" when empty
func (c *Cache) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Store writes data as the cached song. name only supplies the extension.
// The previous song stays in place until the new file is fully written.
func (c *Cache) Store(name string, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty song", ErrFileIO)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileIO, err)
	}

	f, err := os.CreateTemp(c.dir, ".song-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileIO, err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: write: %v", ErrFileIO, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: sync: %v", ErrFileIO, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: close: %v", ErrFileIO, err)
	}

	path := filepath.Join(c.dir, slotName+strings.ToLower(filepath.Ext(name)))
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrFileIO, err)
	}

	if c.current != "" && c.current != path {
		if err := os.Remove(c.current); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.WithError(err).WithField("path", c.current).Warn("Failed to remove previous song")
		}
	}
	c.current = path

	c.logger.WithFields(logrus.Fields{
		"path":  path,
		"bytes": len(data),
	}).Debug("Song cached")
	return path, nil
}

// Clear removes the cached song and any leftovers from interrupted writes
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrFileIO, err)
	}

	var errs error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasPrefix(name, slotName) || strings.HasPrefix(name, ".song-")) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	c.current = ""

	if errs != nil {
		return fmt.Errorf("%w: %v", ErrFileIO, errs)
	}
	return nil
}
