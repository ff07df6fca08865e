// ABOUTME: Entry point for the Airly listener
// ABOUTME: Parses CLI flags, finds a host and follows its playback
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/airly-sync/airly-go/internal/app"
	"github.com/airly-sync/airly-go/internal/config"
	"github.com/airly-sync/airly-go/internal/ui"
	"github.com/airly-sync/airly-go/internal/version"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Parse(config.RoleListener, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	useTUI := !cfg.NoTUI
	logCloser, err := app.SetupLogging(cfg.LogFile, cfg.Debug, useTUI)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()

	listener, err := app.NewListener(cfg, app.Deps{})
	if err != nil {
		logrus.Fatalf("Failed to create listener: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"name":    listener.Name(),
		"version": version.Version,
	}).Info("Starting Airly listener")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var controls *ui.Controls
	if useTUI {
		controls = ui.NewControls()
		prog := ui.RunListener(listener.Name(), controls)
		go func() {
			if _, err := prog.Run(); err != nil {
				logrus.WithError(err).Error("TUI failed")
				stop()
			}
		}()
		go app.ReportStatus(ctx, listener.Status, func(msg ui.StatusMsg) { prog.Send(msg) })
		defer func() {
			prog.Quit()
			prog.Wait()
		}()
	}

	if err := listener.Run(ctx, controls); err != nil {
		logrus.WithError(err).Error("Listener stopped with error")
	}

	if err := listener.Close(); err != nil {
		logrus.WithError(err).Warn("Error closing listener")
	}
	logrus.Info("Listener stopped")
}
