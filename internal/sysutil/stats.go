// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sysutil periodically samples host resource usage for the
// watchdog's stats reporting and for diagnostics bundles, the same
// way the source repo's system monitor samples CPU/memory/disk/load
// on a fixed tick instead of on demand.
package sysutil

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is one sample of host resource usage.
type Stats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage1m    float64
	SampledAt        time.Time
}

// Monitor samples Stats on a fixed interval in its own goroutine and
// keeps the most recent sample available for readers.
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration
	diskPath string

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewMonitor constructs a Monitor. diskPath names the filesystem to
// report usage for; the root filesystem is used if empty.
func NewMonitor(logger *slog.Logger, interval time.Duration, diskPath string) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &Monitor{
		logger:   logger.With("component", "sysutil_monitor"),
		interval: interval,
		diskPath: diskPath,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic sampling. Call once.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop ends sampling and waits for the goroutine to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Stats returns the most recently collected sample. The zero value
// (SampledAt.IsZero()) means no sample has completed yet.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	s := Stats{SampledAt: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else if err != nil {
		m.logger.Debug("sampling cpu percent", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("sampling memory", "error", err)
	}

	if d, err := disk.Usage(m.diskPath); err == nil {
		s.DiskUsagePercent = d.UsedPercent
	} else {
		m.logger.Debug("sampling disk usage", "path", m.diskPath, "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.LoadAverage1m = l.Load1
	} else {
		m.logger.Debug("sampling load average", "error", err)
	}

	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()
}
