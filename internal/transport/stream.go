// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport carries pump ciphertext over a single multiplexed
// connection using smux, so one TCP socket between proxy instances can host
// any number of concurrent pump sessions as independent smux streams.
package transport

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/xtaci/smux"

	"github.com/nishisan-dev/tlspump/pump"
)

// Config mirrors the handful of smux.Config knobs the proxy exposes, built
// the way the kcptun reference builds and verifies a smux.Config before use.
type Config struct {
	KeepAliveInterval time.Duration
	MaxFrameSize      int
}

// buildSmuxConfig returns a verified smux.Config, applying overrides from c
// on top of smux's own defaults.
func buildSmuxConfig(c Config) (*smux.Config, error) {
	cfg := smux.DefaultConfig()
	if c.KeepAliveInterval > 0 {
		cfg.KeepAliveInterval = c.KeepAliveInterval
	}
	if c.MaxFrameSize > 0 {
		cfg.MaxFrameSize = c.MaxFrameSize
	}
	if err := smux.VerifyConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid smux config: %w", err)
	}
	return cfg, nil
}

// Session wraps one smux session (client or server side) over an
// already-established net.Conn.
type Session struct {
	mux *smux.Session
}

// NewClientSession establishes a smux session as the dialing side.
func NewClientSession(conn net.Conn, cfg Config) (*Session, error) {
	scfg, err := buildSmuxConfig(cfg)
	if err != nil {
		return nil, err
	}
	mux, err := smux.Client(conn, scfg)
	if err != nil {
		return nil, fmt.Errorf("establishing smux client session: %w", err)
	}
	return &Session{mux: mux}, nil
}

// NewServerSession establishes a smux session as the accepting side.
func NewServerSession(conn net.Conn, cfg Config) (*Session, error) {
	scfg, err := buildSmuxConfig(cfg)
	if err != nil {
		return nil, err
	}
	mux, err := smux.Server(conn, scfg)
	if err != nil {
		return nil, fmt.Errorf("establishing smux server session: %w", err)
	}
	return &Session{mux: mux}, nil
}

// OpenStream opens a new stream for one pump session, the dialing side's
// counterpart to AcceptStream.
func (s *Session) OpenStream() (*smux.Stream, error) {
	return s.mux.OpenStream()
}

// AcceptStream blocks until the peer opens the next stream.
func (s *Session) AcceptStream() (*smux.Stream, error) {
	return s.mux.AcceptStream()
}

// Close tears down the whole multiplexed session and every stream on it.
func (s *Session) Close() error { return s.mux.Close() }

// StreamDownstream implements pump.Downstream over a single smux.Stream: it
// is the ciphertext egress side of a pump, writing out whatever the write
// pipeline emits.
type StreamDownstream struct {
	stream *smux.Stream
	onErr  func(error)
}

// NewStreamDownstream adapts stream into a pump.Downstream. onErr, if
// non-nil, is invoked each time a write to the stream fails.
func NewStreamDownstream(stream *smux.Stream, onErr func(error)) *StreamDownstream {
	return &StreamDownstream{stream: stream, onErr: onErr}
}

// OnNext implements pump.Downstream.
func (d *StreamDownstream) OnNext(frame [][]byte) {
	for _, b := range frame {
		if len(b) == 0 {
			continue
		}
		if _, err := d.stream.Write(b); err != nil {
			if d.onErr != nil {
				d.onErr(fmt.Errorf("writing ciphertext to smux stream: %w", err))
			}
			return
		}
	}
}

// OnComplete implements pump.Downstream: it closes the stream, so the peer
// observes end-of-stream without the whole session being torn down. The
// close covers both directions of this stream, not only its write side.
func (d *StreamDownstream) OnComplete() {
	d.stream.Close()
}

// OnError implements pump.Downstream.
func (d *StreamDownstream) OnError(err error) {
	d.stream.Close()
}

// PumpFromStream copies bytes arriving on stream into sink (a pump's
// ciphertext Sink), honoring the credit the sink grants back through
// UpstreamWindowUpdate. It runs until the stream returns an error, the
// stream reaches EOF, or stop is closed, and is meant to run on its own
// goroutine for the lifetime of one pump session.
func PumpFromStream(stream *smux.Stream, sink pump.Sink, stop <-chan struct{}) error {
	buf := make([]byte, 16*1024)
	var outstanding int64
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		grant := sink.UpstreamWindowUpdate(outstanding, 0)
		if grant <= 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		outstanding += grant

		n, err := stream.Read(buf)
		if n > 0 {
			outstanding--
			sink.Incoming([][]byte{append([]byte(nil), buf[:n]...)}, false)
		}
		if err != nil {
			if err == io.EOF {
				sink.Incoming(nil, true)
				return nil
			}
			wrapped := fmt.Errorf("reading ciphertext from smux stream: %w", err)
			sink.Fail(wrapped)
			return wrapped
		}
	}
}
