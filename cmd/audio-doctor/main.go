// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command audio-doctor checks connectivity to a running audio server
// and, on request, exports a diagnostics bundle (recent logs, active
// configuration, host stats) for attaching to a support ticket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nishisan-dev/audiocore/internal/client"
	"github.com/nishisan-dev/audiocore/internal/config"
	"github.com/nishisan-dev/audiocore/internal/diag"
	"github.com/nishisan-dev/audiocore/internal/logging"
	"github.com/nishisan-dev/audiocore/internal/sysutil"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "bundle" {
		runBundle(os.Args[2:])
		return
	}

	configPath := flag.String("config", "/etc/audiocore/client.yaml", "path to client config file")
	timeout := flag.Duration("timeout", 5*time.Second, "connection attempt timeout")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	c, err := client.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error constructing client: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Connect(*timeout); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OK: connected as client id %d\n", c.ClientID())
}

func runBundle(args []string) {
	fs := flag.NewFlagSet("bundle", flag.ExitOnError)
	configPath := fs.String("config", "/etc/audiocore/client.yaml", "path to client config file")
	sampleTime := fs.Duration("sample", 1200*time.Millisecond, "how long to sample host stats before exporting")
	fs.Parse(args)

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Diagnostics.Enabled {
		fmt.Fprintln(os.Stderr, "Error: diagnostics.enabled is false in this config")
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	c, err := client.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error constructing client: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()
	// Best effort: a bundle taken while disconnected is still useful
	// (it shows the disconnected log trail), so a failed Connect here
	// does not abort the export.
	_ = c.Connect(3 * time.Second)

	monitor := sysutil.NewMonitor(logger, *sampleTime, "/")
	monitor.Start()
	time.Sleep(*sampleTime + 200*time.Millisecond)
	monitor.Stop()
	stats := monitor.Stats()

	statsText := fmt.Sprintf(
		"cpu_percent=%.2f\nmemory_percent=%.2f\ndisk_usage_percent=%.2f\nload_average_1m=%.2f\nsampled_at=%s\n",
		stats.CPUPercent, stats.MemoryPercent, stats.DiskUsagePercent, stats.LoadAverage1m, stats.SampledAt.Format(time.RFC3339),
	)

	bundle := diag.NewBundle(c.RecentLogs(256), cfg, statsText)

	exporter, err := diag.NewExporter(cfg.Diagnostics, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error constructing exporter: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Diagnostics.UploadTime+10*time.Second)
	defer cancel()

	path, err := exporter.Export(ctx, bundle)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting bundle: %v (local copy at %s)\n", err, path)
		os.Exit(1)
	}
	fmt.Printf("wrote diagnostics bundle to %s\n", path)
}
