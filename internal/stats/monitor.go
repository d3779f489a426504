// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stats collects host system metrics and periodically logs them
// alongside a running pump's own Stats snapshot.
package stats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats holds one collection pass's worth of host metrics.
type SystemStats struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage   float64
}

// SystemMonitor collects host metrics periodically on its own goroutine.
type SystemMonitor struct {
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup
	stats  SystemStats
	mu     sync.RWMutex
}

// NewSystemMonitor creates a SystemMonitor; call Start to begin collecting.
func NewSystemMonitor(logger *slog.Logger) *SystemMonitor {
	return &SystemMonitor{
		logger: logger.With("component", "system_monitor"),
		close:  make(chan struct{}),
	}
}

// Start begins periodic metric collection at the given interval.
func (sm *SystemMonitor) Start(interval time.Duration) {
	sm.wg.Add(1)
	go sm.run(interval)
}

// Stop halts collection and waits for the collector goroutine to exit.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the most recently collected snapshot.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run(interval time.Duration) {
	defer sm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sm.collect()
	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	var s SystemStats

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		s.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = s
	sm.mu.Unlock()
}
