// Command simulator pretends to be a PLC: it pushes a few drifting tag
// values to a tagstream server over HTTP so the API has something to show.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nicktill/tagstream/pkg/client"
	"github.com/nicktill/tagstream/pkg/logging"
)

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8080", "tagstream server base URL")
	device := flag.String("device", "sim-plc-1", "device name to report as")
	every := flag.Duration("every", 2*time.Second, "sampling interval")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := logging.New(*level, os.Stderr)

	c, err := client.New(client.Config{
		Device:     *device,
		DeviceType: "Simulator",
		Endpoint:   *endpoint,
		FlushEvery: *every,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "simulator:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.Start(ctx)
	logger.Info("simulator started", "device", *device, "endpoint", *endpoint, "every", *every)

	run(ctx, c, newPlant(), *every, logger)

	if err := c.Stop(context.Background()); err != nil {
		logger.Warn("final flush failed", "error", err)
	}
	sent, failed := c.Stats()
	logger.Info("simulator stopped", "envelopes_sent", sent, "envelopes_failed", failed)
}

func run(ctx context.Context, c *client.Client, p *plant, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			values := p.step()
			for tag, v := range values {
				c.RecordAt(tag, v, now)
			}
			logger.Debug("sampled", "tags", len(values))
		}
	}
}
