// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. NewSessionLogger uses it to write simultaneously to the ambient
// (process-wide) handler and to a pump session's own dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's own Enabled() before dispatching, so DEBUG
	// records don't reach the primary handler when it only accepts INFO
	// or coarser.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the session file must not take down the ambient log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewSessionLogger builds a logger for one pump session that writes both to
// the ambient (level-filtered) base logger and to a dedicated DEBUG-level
// JSON file, so a session worth investigating leaves a full per-record
// trace behind even when the process log level is "info" or coarser. The
// file is created at:
//
//	{sessionLogDir}/{role}/{sessionID}.log
//
// role is one of tlspump-proxy's two pump roles, "client" or "server";
// sessionID identifies a single handshake-to-teardown pump lifetime.
//
// Returns the enriched logger, an io.Closer for the session file, and the
// file's path (sessionLogDir joined with role and sessionID, absolute only
// if sessionLogDir is). The Closer MUST be closed (defer) when the session
// ends. If sessionLogDir is empty, the base logger is returned unmodified
// (no-op), letting callers unconditionally wire session logging through
// config without a separate enabled/disabled branch.
func NewSessionLogger(baseLogger *slog.Logger, sessionLogDir, role, sessionID string) (*slog.Logger, io.Closer, string, error) {
	if sessionLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(sessionLogDir, role)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating session log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, sessionID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening session log file %s: %w", logPath, err)
	}

	// The session file always uses JSON at DEBUG level for maximum capture,
	// independent of the ambient logger's configured level/format.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Fan out to the base logger's handler plus the dedicated file handler.
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveSessionLog deletes a finished pump session's dedicated log file. It
// is a no-op if sessionLogDir is empty or the file doesn't exist — callers
// invoke it unconditionally after a pump session tears down cleanly, so
// only sessions that ended in error leave a file behind.
func RemoveSessionLog(sessionLogDir, role, sessionID string) {
	if sessionLogDir == "" {
		return
	}
	logPath := filepath.Join(sessionLogDir, role, sessionID+".log")
	os.Remove(logPath)
}
