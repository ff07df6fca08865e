// ABOUTME: Clock sync diagnostic for an Airly host
// ABOUTME: Connects as a listener and prints repeated calibration rounds
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airly-sync/airly-go/internal/playback"
	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/internal/transport"
	"github.com/airly-sync/airly-go/pkg/protocol"
	"github.com/sirupsen/logrus"
)

var (
	hostAddr = flag.String("host", "localhost:8927", "Host address")
	name     = flag.String("name", "airly-sync", "Name shown on the host")
	rounds   = flag.Int("rounds", 5, "Calibration rounds to run")
	probes   = flag.Int("probes", 8, "Probes per round")
	interval = flag.Duration("interval", time.Second, "Pause between rounds")
	debug    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000000"})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := transport.NewClient(transport.ClientConfig{Name: *name})
	defer client.Close()

	fmt.Printf("Connecting to %s as '%s'...\n", *hostAddr, *name)
	if err := client.Connect(ctx, *hostAddr); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	prober := playback.NewHostProber(client)
	go relayReplies(ctx, client, prober)

	config := clocksync.DefaultConfig()
	config.Probes = *probes
	clock := clocksync.NewClockSync(config)

	fmt.Printf("%-6s %14s %12s %8s\n", "round", "offset", "rtt", "quality")
	for i := 1; i <= *rounds; i++ {
		res, err := clock.Calibrate(ctx, prober)
		if err != nil {
			fmt.Printf("%-6d failed: %v\n", i, err)
		} else {
			fmt.Printf("%-6d %14s %12s %8s\n", i,
				time.Duration(res.Offset), time.Duration(res.Delay), clock.CheckQuality())
		}

		if i == *rounds {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}

// relayReplies hands probe replies to the prober; everything else the host
// sends to a listener is ignored
func relayReplies(ctx context.Context, client *transport.Client, prober *playback.HostProber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-client.Events():
			if ev.Kind == transport.MessageReceived && ev.Command.Kind == protocol.KindProbeReply {
				prober.Deliver(ev.Command, ev.ReceivedAt)
			}
		}
	}
}
