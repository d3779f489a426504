// Package pump implements a bidirectional TLS record pump: a demand-driven,
// backpressure-aware byte-stream mediator between a plaintext application
// side and an encrypted network side, driven by a pluggable Engine. The
// package has no knowledge of TLS cryptography, transports, or ALPN
// semantics — those are supplied by the Engine and by the caller's
// Upstream/Downstream wiring.
package pump

import (
	"context"
	"io"
	"log/slog"
)

// Config holds the construction inputs for a Pump.
type Config struct {
	// Engine drives the handshake and record encryption/decryption. Required.
	Engine Engine

	// Executor runs delegated tasks off the calling goroutine. Defaults to
	// GoExecutor{} if nil.
	Executor Executor

	// PlaintextDown receives decrypted application bytes read from the
	// network side.
	PlaintextDown Downstream
	// CiphertextDown receives encrypted bytes to send out on the network
	// side.
	CiphertextDown Downstream

	// ReadUpstream lets the read pipeline request more ciphertext credit;
	// the read pipeline never cancels it. Optional; a no-op if nil.
	ReadUpstream Upstream
	// WriteUpstream lets the write pipeline request more plaintext credit
	// and cancel its plaintext source (used once the engine reports
	// CLOSED on the write side). Optional; a no-op if nil.
	WriteUpstream Upstream

	// Logger receives diagnostic-only log lines; never a correctness
	// dependency. Defaults to a discard logger if nil.
	Logger *slog.Logger
}

// Pump mediates between a plaintext application side and an encrypted
// network side, driving an Engine to completion and ferrying bytes in both
// directions under backpressure.
type Pump struct {
	engine Engine
	logger *slog.Logger

	// Reader exposes the ciphertext-in / plaintext-out side (the upstream
	// network read feeds Reader.Incoming).
	Reader *ReadPipeline
	// Writer exposes the plaintext-in / ciphertext-out side (the upstream
	// application write feeds Writer.Incoming).
	Writer *WritePipeline

	lifecycle *Lifecycle
	state     *HandshakeState
}

// New wires a Pump from cfg and starts its write pipeline's initial
// handshake trigger. Cfg.Engine must not be nil.
func New(cfg Config) *Pump {
	if cfg.Executor == nil {
		cfg.Executor = GoExecutor{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	state := newHandshakeState()
	lifecycle := newLifecycle()

	reader := &ReadPipeline{
		engine:    cfg.Engine,
		buf:       NewReadBuffer(),
		state:     state,
		lifecycle: lifecycle,
		logger:    logger.With("side", "read"),
	}
	reader.init(cfg.ReadUpstream, cfg.PlaintextDown)

	writer := &WritePipeline{
		engine:    cfg.Engine,
		queue:     NewWriteQueue(),
		state:     state,
		lifecycle: lifecycle,
		logger:    logger.With("side", "write"),
	}
	writer.init(cfg.WriteUpstream, cfg.CiphertextDown)

	coordinator := &HandshakeCoordinator{
		state:    state,
		writer:   writer,
		executor: cfg.Executor,
		onFatal: func(err error) {
			reader.handleError(err)
			writer.handleError(err)
		},
	}
	reader.coordinator = coordinator
	writer.coordinator = coordinator

	resumeBoth := func() {
		reader.sched.RunOrSchedule()
		writer.sched.RunOrSchedule()
	}
	coordinator.resumeBoth = resumeBoth
	reader.resumeBoth = resumeBoth
	writer.resumeBoth = resumeBoth

	reader.sched = NewSequentialScheduler(reader.processData, func() EnterDecision { return reader.EnterScheduling() })
	writer.sched = NewSequentialScheduler(writer.processData, nil)

	lifecycle.stopFn = func() {
		reader.sched.Stop()
		writer.sched.Stop()
	}
	lifecycle.watchCompletion()

	p := &Pump{
		engine:    cfg.Engine,
		logger:    logger,
		Reader:    reader,
		Writer:    writer,
		lifecycle: lifecycle,
		state:     state,
	}
	writer.OnSubscribe()
	return p
}

// UpstreamReader returns the Sink the upstream network side feeds ciphertext
// into.
func (p *Pump) UpstreamReader() Sink { return p.Reader }

// UpstreamWriter returns the Sink the upstream application side feeds
// plaintext into.
func (p *Pump) UpstreamWriter() Sink { return p.Writer }

// Alpn returns the future that settles with the negotiated application
// protocol identifier once the handshake completes (or the stream ends
// without negotiating one, or a fatal error occurs).
func (p *Pump) Alpn() *AlpnFuture { return p.lifecycle.Alpn }

// CloseNotifyReceived reports whether the peer's close_notify has been
// observed.
func (p *Pump) CloseNotifyReceived() bool { return p.lifecycle.closeNotifyReceived.Load() }

// ResumeReader re-triggers the read pipeline's scheduler, used after a
// caller that had suppressed processing (e.g. via a custom enter-hook)
// wants it to resume.
func (p *Pump) ResumeReader() { p.Reader.sched.RunOrSchedule() }

// ResetReaderDemand clears the reader's tracked outstanding demand, letting
// a caller re-synchronize credit after an out-of-band pause.
func (p *Pump) ResetReaderDemand() { p.Reader.resetDemand() }

// Wait blocks until both the read and write sides have completed (normally
// or with an error), returning the first error encountered, if any.
func (p *Pump) Wait(ctx context.Context) error {
	if err := p.Reader.lifecycle.ReadDone.Wait(ctx); err != nil {
		return err
	}
	return p.Writer.lifecycle.WriteDone.Wait(ctx)
}

// Stats is a point-in-time snapshot useful for diagnostics and periodic
// reporting.
type Stats struct {
	ReadBufferBytes     int
	WriteQueueLen       int
	Handshaking         bool
	CloseNotifyReceived bool
}

// Stats returns a snapshot of the pump's current internal state.
func (p *Pump) Stats() Stats {
	return Stats{
		ReadBufferBytes:     p.Reader.buf.Readable(),
		WriteQueueLen:       p.Writer.queue.Len(),
		Handshaking:         p.state.IsHandshaking(),
		CloseNotifyReceived: p.lifecycle.closeNotifyReceived.Load(),
	}
}
