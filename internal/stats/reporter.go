// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/tlspump/pump"
)

// PumpStatsFunc returns the current Stats snapshot of a running pump. It may
// be called from the cron goroutine at any time.
type PumpStatsFunc func() pump.Stats

// Reporter logs a combined host + pump stats line on a cron schedule,
// reusing the teacher's cron-driven scheduling pattern but with a single
// recurring tick rather than one cron entry per job.
type Reporter struct {
	cron    *cron.Cron
	logger  *slog.Logger
	monitor *SystemMonitor
	pumpFn  PumpStatsFunc
}

// NewReporter builds a Reporter that ticks on schedule (a standard cron
// expression, e.g. "@every 30s").
func NewReporter(schedule string, monitor *SystemMonitor, pumpFn PumpStatsFunc, logger *slog.Logger) (*Reporter, error) {
	r := &Reporter{
		logger:  logger.With("component", "stats_reporter"),
		monitor: monitor,
		pumpFn:  pumpFn,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("scheduling stats reporter: %w", err)
	}
	r.cron = c
	return r, nil
}

// Start begins the cron-scheduled reporting tick. The monitor passed to
// NewReporter must already be collecting (its own Start called separately).
func (r *Reporter) Start() {
	r.cron.Start()
}

// Stop halts the cron scheduler and waits in-flight ticks out, bounded by
// ctx.
func (r *Reporter) Stop(ctx context.Context) {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
		r.logger.Debug("stats reporter stopped gracefully")
	case <-ctx.Done():
		r.logger.Warn("stats reporter stop timed out")
	}
}

func (r *Reporter) tick() {
	sys := r.monitor.Stats()
	fields := []any{
		"cpu_percent", sys.CPUPercent,
		"memory_percent", sys.MemoryPercent,
		"load_average", sys.LoadAverage,
	}
	if r.pumpFn != nil {
		ps := r.pumpFn()
		fields = append(fields,
			"read_buffer_bytes", ps.ReadBufferBytes,
			"write_queue_len", ps.WriteQueueLen,
			"handshaking", ps.Handshaking,
			"close_notify_received", ps.CloseNotifyReceived,
		)
	}
	r.logger.Info("stats", fields...)
}
