// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"bufio"
	"io"
	"log/slog"
)

// WriterSink adapts any io.Writer (stdout, a local file) into a
// pump.Downstream, buffering writes the way the teacher's streamer wraps
// its destination in a bufio.Writer.
type WriterSink struct {
	w      *bufio.Writer
	logger *slog.Logger
}

// NewWriterSink wraps w with a 256KB buffer.
func NewWriterSink(w io.Writer, logger *slog.Logger) *WriterSink {
	return &WriterSink{w: bufio.NewWriterSize(w, 256*1024), logger: logger}
}

// OnNext implements pump.Downstream.
func (s *WriterSink) OnNext(frame [][]byte) {
	for _, b := range frame {
		if len(b) == 0 {
			continue
		}
		if _, err := s.w.Write(b); err != nil {
			s.logger.Error("writer sink write failed", "error", err)
			return
		}
	}
}

// OnComplete implements pump.Downstream.
func (s *WriterSink) OnComplete() {
	if err := s.w.Flush(); err != nil {
		s.logger.Error("writer sink flush failed", "error", err)
	}
}

// OnError implements pump.Downstream.
func (s *WriterSink) OnError(err error) {
	s.logger.Error("writer sink received upstream error", "error", err)
}
