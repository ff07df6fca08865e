// ABOUTME: Process-wide logging setup for the CLIs
// ABOUTME: Logs go to the log file, and to stdout when no TUI owns the terminal
package app

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// SetupLogging configures the global logrus logger. The returned closer
// releases the log file.
func SetupLogging(path string, debug, useTUI bool) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	if useTUI {
		// TUI mode: log only to file
		logrus.SetOutput(f)
	} else {
		logrus.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return f, nil
}

// DefaultName derives a friendly device name from the hostname
func DefaultName(suffix string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s", hostname, suffix)
}
