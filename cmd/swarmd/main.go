// Command swarmd downloads a single torrent from the command line: it
// parses a metafile, joins the swarm, and reports progress until the
// transfer completes or the user interrupts it.
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

	"github.com/nyxswarm/swarmd/internal/config"
	"github.com/nyxswarm/swarmd/internal/logging"
	"github.com/nyxswarm/swarmd/internal/metrics"
	"github.com/nyxswarm/swarmd/internal/torrent"
)

func main() {
	var (
		downloadDir = flag.String("dir", "", "download directory (defaults to the platform download folder)")
		port        = flag.Uint("port", 6969, "TCP port to listen on for incoming peer connections")
		metrics_    = flag.Bool("metrics", false, "serve Prometheus metrics")
		metricsAddr = flag.String("metrics-addr", "127.0.0.1:9940", "address for the metrics HTTP endpoint")
	)
	flag.Parse()

	logger := slog.New(logging.NewPrettyHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: swarmd [flags] <metafile>")
		os.Exit(2)
	}

	if err := config.Init(); err != nil {
		logger.Error("config init failed", "error", err)
		os.Exit(1)
	}
	config.Update(func(c *config.Config) {
		c.Port = uint16(*port)
		if *downloadDir != "" {
			c.DefaultDownloadDir = *downloadDir
		}
		c.MetricsEnabled = *metrics_
		c.MetricsBindAddr = *metricsAddr
	})

	if config.Load().MetricsEnabled {
		addr := config.Load().MetricsBindAddr
		go func() {
			if err := metrics.Serve(addr); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics endpoint listening", "addr", addr)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		logger.Error("reading metafile failed", "error", err)
		os.Exit(1)
	}

	client, err := torrent.NewClient()
	if err != nil {
		logger.Error("client init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	client.Startup(ctx)

	t, err := client.AddTorrent(data, nil)
	if err != nil {
		logger.Error("adding torrent failed", "error", err)
		os.Exit(1)
	}

	logger.Info("joined swarm", "name", t.Metainfo.Info.Name, "size", t.Metainfo.Size())

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			stats := t.GetStats()
			logger.Info("progress",
				"percent", fmt.Sprintf("%.1f%%", stats.Progress),
				"peers", len(stats.Peers),
			)
		}
	}
}
