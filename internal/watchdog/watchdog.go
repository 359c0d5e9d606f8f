// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package watchdog runs the fallback socket-file recheck and periodic
// stats reporting alongside a control worker: a cron-scheduled poll
// for when a filesystem notification was coalesced or dropped, and a
// token-bucket throttle so a flapping socket can't drive the control
// worker into a reconnect storm.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/audiocore/internal/config"
	"github.com/nishisan-dev/audiocore/internal/control"
	"github.com/nishisan-dev/audiocore/internal/sysutil"
)

// Watchdog pairs a cron-scheduled fallback poll of a control worker's
// socket file with periodic host-stats logging.
type Watchdog struct {
	cron    *cron.Cron
	limiter *rate.Limiter

	worker     *control.Worker
	socketPath string
	monitor    *sysutil.Monitor

	logger        *slog.Logger
	statsInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Watchdog. monitor may be nil to disable stats
// reporting while keeping the fallback poll.
func New(cfg config.Watchdog, worker *control.Worker, socketPath string, monitor *sysutil.Monitor, logger *slog.Logger) (*Watchdog, error) {
	wd := &Watchdog{
		worker:        worker,
		socketPath:    socketPath,
		monitor:       monitor,
		logger:        logger.With("component", "watchdog"),
		statsInterval: cfg.StatsInterval,
		limiter:       rate.NewLimiter(rate.Limit(cfg.ReconnectPerSec), cfg.ReconnectBurst),
		stopCh:        make(chan struct{}),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(wd.logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cfg.FallbackPollCron, wd.pollSocket); err != nil {
		return nil, fmt.Errorf("watchdog: scheduling fallback poll %q: %w", cfg.FallbackPollCron, err)
	}
	wd.cron = c
	return wd, nil
}

// Start launches the cron scheduler and, if a monitor was given, the
// stats-reporting loop.
func (wd *Watchdog) Start() {
	wd.cron.Start()
	wd.wg.Add(1)
	go wd.reportStats()
}

// Stop drains in-flight cron jobs (bounded to 5s) and stops stats
// reporting.
func (wd *Watchdog) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-wd.cron.Stop().Done():
	case <-ctx.Done():
		wd.logger.Warn("cron jobs did not drain before shutdown timeout")
	}
	close(wd.stopCh)
	wd.wg.Wait()
}

// pollSocket rechecks the socket file's existence and nudges the
// control worker's state machine with whatever it finds, throttled so
// a socket flapping faster than the configured rate doesn't translate
// into a reconnect storm.
func (wd *Watchdog) pollSocket() {
	if !wd.limiter.Allow() {
		wd.logger.Debug("fallback poll throttled, skipping this tick")
		return
	}
	_, err := os.Stat(wd.socketPath)
	wd.worker.InjectSocketEvent(err == nil)
}

func (wd *Watchdog) reportStats() {
	defer wd.wg.Done()
	if wd.monitor == nil || wd.statsInterval <= 0 {
		return
	}

	ticker := time.NewTicker(wd.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wd.stopCh:
			return
		case <-ticker.C:
			s := wd.monitor.Stats()
			wd.logger.Info("host stats",
				"cpu_percent", s.CPUPercent,
				"memory_percent", s.MemoryPercent,
				"disk_usage_percent", s.DiskUsagePercent,
				"load_average_1m", s.LoadAverage1m,
			)
		}
	}
}
