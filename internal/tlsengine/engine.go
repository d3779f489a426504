// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package tlsengine adapts the Go standard library's crypto/tls, whose
// *tls.Conn only exposes a blocking net.Conn-shaped API, into the
// non-blocking pump.Engine contract. crypto/tls has no SSLEngine-style
// direct-buffer mode, so this package drives a real *tls.Conn over an
// in-memory pipe on a background goroutine and translates its blocking
// Handshake/Read/Write calls into the poll-and-retry Wrap/Unwrap shape the
// rest of the pump package expects.
package tlsengine

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/tlspump/pump"
)

// Engine is a pump.Engine backed by a real crypto/tls handshake and record
// layer. Wrap/Unwrap never block: they feed or drain the in-memory pipe and
// report whatever the background goroutine has made available so far.
//
// Replay caveat: like a real SSLEngine, a call that returns
// pump.StatusBufferOverflow must be retried with a larger destination and
// the SAME source bytes, without the source growing in the meantime. Engine
// remembers the length of the source it fed only across an overflow result
// (after any other result it resets it), and treats a following call whose
// source has that same length as the retry, not feeding it again. A source
// whose length changed between the overflow and the retry is fed in full,
// including the bytes already fed before the overflow. The alternative
// (pointer identity comparisons) was judged less robust across buffer
// compaction than length.
type Engine struct {
	conn     *pipeConn
	tlsConn  *tls.Conn
	isClient bool

	mu        sync.Mutex
	fedInLen  int
	fedOutLen int

	appMu     sync.Mutex
	appBuf    []byte
	appErr    error
	appClosed bool

	handshakeErr atomic.Value // error
	handshakeFin atomic.Bool
	alpn         atomic.Value // string

	inboundDone  atomic.Bool
	outboundDone atomic.Bool
}

// NewClient wraps cfg in a client-side Engine and starts its handshake
// immediately in the background.
func NewClient(cfg *tls.Config) *Engine {
	return newEngine(cfg, true)
}

// NewServer wraps cfg in a server-side Engine and starts its handshake
// immediately in the background.
func NewServer(cfg *tls.Config) *Engine {
	return newEngine(cfg, false)
}

func newEngine(cfg *tls.Config, isClient bool) *Engine {
	conn := newPipeConn()
	e := &Engine{conn: conn, isClient: isClient}
	if isClient {
		e.tlsConn = tls.Client(conn, cfg)
	} else {
		e.tlsConn = tls.Server(conn, cfg)
	}
	e.alpn.Store("")
	go e.run()
	return e
}

func (e *Engine) run() {
	if err := e.tlsConn.HandshakeContext(context.Background()); err != nil {
		e.handshakeErr.Store(err)
		e.appMu.Lock()
		e.appErr = err
		e.appClosed = true
		e.appMu.Unlock()
		return
	}
	e.handshakeFin.Store(true)
	e.alpn.Store(e.tlsConn.ConnectionState().NegotiatedProtocol)

	buf := make([]byte, 32*1024)
	for {
		n, err := e.tlsConn.Read(buf)
		if n > 0 {
			e.appMu.Lock()
			e.appBuf = append(e.appBuf, buf[:n]...)
			e.appMu.Unlock()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.inboundDone.Store(true)
			}
			e.appMu.Lock()
			e.appErr = err
			e.appClosed = true
			e.appMu.Unlock()
			return
		}
	}
}

// Wrap implements pump.Engine.
func (e *Engine) Wrap(src [][]byte, dst []byte) (pump.EngineResult, error) {
	if err := e.loadHandshakeErr(); err != nil {
		return pump.EngineResult{}, err
	}

	total := 0
	for _, b := range src {
		total += len(b)
	}

	e.mu.Lock()
	shouldFeed := total != e.fedOutLen
	e.mu.Unlock()

	if shouldFeed && total > 0 {
		for _, b := range src {
			if _, err := e.tlsConn.Write(b); err != nil {
				return pump.EngineResult{}, err
			}
		}
	}
	e.mu.Lock()
	e.fedOutLen = total
	e.mu.Unlock()

	n := e.conn.drainOutboundInto(dst)
	backlog := e.conn.outboundLen()

	status := pump.StatusOK
	switch {
	case n == 0 && backlog > 0 && len(dst) == 0:
		status = pump.StatusBufferOverflow
	case e.outboundDone.Load() && backlog == 0 && n == 0:
		status = pump.StatusClosed
	}

	if status != pump.StatusBufferOverflow {
		e.mu.Lock()
		e.fedOutLen = 0
		e.mu.Unlock()
	}

	return pump.EngineResult{
		Status:          status,
		HandshakeStatus: e.handshakeStatusLocked(backlog > 0),
		BytesConsumed:   total,
		BytesProduced:   n,
		Dst:             dst[:n],
	}, nil
}

// Unwrap implements pump.Engine.
func (e *Engine) Unwrap(src []byte, dst []byte) (pump.EngineResult, error) {
	if err := e.loadHandshakeErr(); err != nil {
		return pump.EngineResult{}, err
	}

	e.mu.Lock()
	shouldFeed := len(src) != e.fedInLen
	e.mu.Unlock()

	if shouldFeed && len(src) > 0 {
		e.conn.feedInbound(src)
	}
	e.mu.Lock()
	e.fedInLen = len(src)
	e.mu.Unlock()

	e.appMu.Lock()
	n := copy(dst, e.appBuf)
	overflow := len(e.appBuf) > len(dst)
	if overflow {
		e.appBuf = e.appBuf[n:]
	} else {
		e.appBuf = e.appBuf[:0]
	}
	closedNow := e.appClosed && len(e.appBuf) == 0
	e.appMu.Unlock()

	status := pump.StatusOK
	switch {
	case overflow:
		status = pump.StatusBufferOverflow
	case closedNow:
		status = pump.StatusClosed
	case n == 0 && !e.handshakeFin.Load():
		status = pump.StatusBufferUnderflow
	}

	consumed := len(src)
	if status == pump.StatusBufferOverflow {
		consumed = 0
	} else {
		e.mu.Lock()
		e.fedInLen = 0
		e.mu.Unlock()
	}

	return pump.EngineResult{
		Status:          status,
		HandshakeStatus: e.handshakeStatusLocked(e.conn.outboundLen() > 0),
		BytesConsumed:   consumed,
		BytesProduced:   n,
		Dst:             dst[:n],
	}, nil
}

func (e *Engine) loadHandshakeErr() error {
	if v := e.handshakeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (e *Engine) handshakeStatusLocked(haveOutbound bool) pump.HandshakeStatus {
	if e.handshakeFin.Load() {
		return pump.HandshakeNotHandshaking
	}
	if haveOutbound {
		return pump.HandshakeNeedWrap
	}
	return pump.HandshakeNeedUnwrap
}

// DelegatedTasks implements pump.Engine. crypto/tls performs certificate
// verification and key derivation synchronously inside Handshake, so this
// engine never has delegated work to hand back.
func (e *Engine) DelegatedTasks() []pump.Task { return nil }

// HandshakeStatus implements pump.Engine.
func (e *Engine) HandshakeStatus() pump.HandshakeStatus {
	return e.handshakeStatusLocked(e.conn.outboundLen() > 0)
}

// PacketBufferSize implements pump.Engine.
func (e *Engine) PacketBufferSize() int { return 16*1024 + 256 }

// ApplicationBufferSize implements pump.Engine.
func (e *Engine) ApplicationBufferSize() int { return 16 * 1024 }

// IsInboundDone implements pump.Engine.
func (e *Engine) IsInboundDone() bool { return e.inboundDone.Load() }

// IsOutboundDone implements pump.Engine.
func (e *Engine) IsOutboundDone() bool { return e.outboundDone.Load() }

// ApplicationProtocol implements pump.Engine.
func (e *Engine) ApplicationProtocol() string {
	v, _ := e.alpn.Load().(string)
	return v
}

// Close shuts down the underlying tls.Conn, marking the outbound side done.
func (e *Engine) Close() error {
	e.outboundDone.Store(true)
	return e.tlsConn.Close()
}

// pipeConn is a net.Conn backed by two independently locked byte queues: one
// fed by Unwrap for the tls.Conn to read from, one written by the tls.Conn
// and drained by Wrap.
type pipeConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inbound  []byte
	outbound []byte
	closed   bool
}

func newPipeConn() *pipeConn {
	c := &pipeConn{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *pipeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.inbound) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.inbound) == 0 && c.closed {
		return 0, io.EOF
	}
	n := copy(p, c.inbound)
	c.inbound = c.inbound[n:]
	return n, nil
}

func (c *pipeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.outbound = append(c.outbound, p...)
	c.mu.Unlock()
	c.cond.Broadcast()
	return len(p), nil
}

func (c *pipeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *pipeConn) feedInbound(p []byte) {
	c.mu.Lock()
	c.inbound = append(c.inbound, p...)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *pipeConn) drainOutboundInto(dst []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(dst, c.outbound)
	c.outbound = c.outbound[n:]
	return n
}

func (c *pipeConn) outboundLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

func (*pipeConn) LocalAddr() net.Addr  { return pipeAddr{} }
func (*pipeConn) RemoteAddr() net.Addr { return pipeAddr{} }

func (*pipeConn) SetDeadline(t time.Time) error      { return nil }
func (*pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (*pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
