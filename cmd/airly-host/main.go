// ABOUTME: Entry point for the Airly host
// ABOUTME: Parses CLI flags, serves the music library and drives listeners
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
	cfg, err := config.Parse(config.RoleHost, os.Args[1:])
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

	host, err := app.NewHost(cfg, app.Deps{})
	if err != nil {
		logrus.Fatalf("Failed to create host: %v", err)
	}
	if err := host.Start(); err != nil {
		logrus.Fatalf("Failed to start host: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"name":    host.Name(),
		"port":    host.Port(),
		"music":   cfg.MusicDir,
		"version": version.Version,
	}).Info("Starting Airly host")
	if !useTUI {
		logrus.Info("Press Ctrl-C to stop")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var controls *ui.Controls
	if useTUI {
		controls = ui.NewControls()
		prog := ui.RunHost(host.Name(), host.Port(), controls)
		go func() {
			if _, err := prog.Run(); err != nil {
				logrus.WithError(err).Error("TUI failed")
				stop()
			}
		}()
		go app.ReportStatus(ctx, host.Status, func(status ui.HostStatus) { prog.Send(status) })
		defer func() {
			prog.Quit()
			prog.Wait()
		}()
	}

	if err := host.Run(ctx, controls); err != nil {
		logrus.WithError(err).Error("Host stopped with error")
	}

	if err := host.Close(); err != nil {
		logrus.WithError(err).Warn("Error closing host")
	}
	logrus.Info("Host stopped")
}
