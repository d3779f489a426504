package pump

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ReadPipeline carries ciphertext delivered by the upstream network side
// through a growable ReadBuffer, Engine.Unwrap, and out to the downstream
// plaintext consumer. Its goroutine shape — single mutex-guarded shared
// state, a dedicated scheduler loop, idempotent stop — mirrors the
// teacher's per-direction control-channel goroutines.
type ReadPipeline struct {
	subscriberWrapper

	engine      Engine
	buf         *ReadBuffer
	state       *HandshakeState
	lifecycle   *Lifecycle
	coordinator *HandshakeCoordinator
	resumeBoth  func()
	logger      *slog.Logger

	sched *SequentialScheduler

	completing atomic.Bool
	finalSent  atomic.Bool
}

// Incoming implements Sink: it appends ciphertext to the read buffer and
// schedules processing. complete must be sent with an empty buffers list.
func (p *ReadPipeline) Incoming(buffers [][]byte, complete bool) {
	for _, b := range buffers {
		if err := p.buf.Append(b); err != nil {
			p.handleError(fmt.Errorf("%w: %v", ErrDownstreamFailure, err))
			return
		}
	}
	if complete {
		p.completing.Store(true)
	}
	p.sched.RunOrSchedule()
}

// UpstreamWindowUpdate implements Sink: credit is withheld entirely once
// buffered, unconsumed ciphertext exceeds readBufferCreditThreshold,
// otherwise the shared base formula applies.
func (p *ReadPipeline) UpstreamWindowUpdate(current, downstreamQueueSize int64) int64 {
	if p.buf.Readable() > readBufferCreditThreshold {
		return 0
	}
	return baseWindowUpdate(current, downstreamQueueSize)
}

// Fail implements Sink: the ciphertext source itself failed (a transport
// read error, not an engine or downstream failure), so the whole pump tears
// down exceptionally.
func (p *ReadPipeline) Fail(err error) {
	p.handleError(fmt.Errorf("%w: %v", ErrUpstreamFailure, err))
}

// EnterScheduling is the scheduler's enter-hook, returning EnterContinue by
// default. Kept as its own method (rather than inlined) per the design
// note that a specialization may want to redefine it.
func (p *ReadPipeline) EnterScheduling() EnterDecision {
	return EnterContinue
}

// Stop halts the scheduler; any run already in progress finishes its
// current iteration first.
func (p *ReadPipeline) Stop() {
	p.sched.Stop()
}

// processData drains the read buffer through Unwrap until it is empty, an
// underflow is reported with no new bytes available, or a handshake
// boundary hands control elsewhere.
func (p *ReadPipeline) processData() {
	for p.buf.Readable() > 0 {
		completingNow := p.completing.Load()
		beforeLen := p.buf.Readable()

		result, err := p.unwrapOnce()
		if err != nil {
			p.handleError(fmt.Errorf("%w: %v", ErrEngineFailure, err))
			return
		}

		if result.Status == StatusBufferUnderflow {
			p.requestMore(1)
			if p.buf.Readable() > beforeLen {
				continue
			}
			return
		}

		if result.BytesProduced > 0 {
			p.emit([][]byte{result.Dst})
		}

		if result.Status == StatusClosed {
			if completingNow {
				p.emitFinal()
				return
			}
			p.doClosure(result)
		}

		handshaking := false
		if result.Handshaking() && !completingNow {
			p.state.SetHandshaking()
			if p.coordinator.doHandshake(p.engine, result, callerReader) {
				p.resumeBoth()
			}
			handshaking = true
		} else if p.state.ClearHandshaking() {
			p.surfaceAlpn()
			p.resumeBoth()
		}

		if handshaking && !completingNow {
			return
		}
	}

	if p.completing.Load() && p.buf.Readable() == 0 {
		p.surfaceAlpn()
		p.emitFinal()
	}
}

// unwrapOnce performs one logical Unwrap call against the current readable
// window, growing the destination buffer and retrying on overflow without
// consuming additional input, all under the buffer's own lock so that
// Unwrap and the position advance happen atomically with respect to
// concurrent Append calls.
func (p *ReadPipeline) unwrapOnce() (EngineResult, error) {
	var result EngineResult
	var callErr error
	p.buf.withLock(func(window []byte, consume func(int)) {
		dst := make([]byte, p.engine.ApplicationBufferSize())
		for {
			r, err := p.engine.Unwrap(window, dst)
			if err != nil {
				callErr = err
				return
			}
			if r.Status == StatusBufferOverflow {
				bigger := make([]byte, p.engine.ApplicationBufferSize()+len(r.Dst))
				copy(bigger, r.Dst)
				dst = bigger
				continue
			}
			consume(r.BytesConsumed)
			result = r
			return
		}
	})
	return result, callErr
}

// doClosure reacts to an Unwrap result signalling the inbound side is done:
// if outbound isn't done yet and the engine owes a close_notify of its own,
// mark close-notify received and hand the NEED_WRAP off to the writer.
func (p *ReadPipeline) doClosure(result EngineResult) {
	if p.engine.IsInboundDone() && !p.engine.IsOutboundDone() && result.HandshakeStatus == HandshakeNeedWrap {
		p.lifecycle.closeNotifyReceived.Store(true)
		p.coordinator.doHandshake(p.engine, result, callerReader)
	}
}

func (p *ReadPipeline) surfaceAlpn() {
	p.lifecycle.Alpn.complete(p.engine.ApplicationProtocol())
}

// emitFinal emits the terminal empty frame and settles the read-side
// completion future exactly once.
func (p *ReadPipeline) emitFinal() {
	if p.finalSent.Swap(true) {
		return
	}
	p.emit([][]byte{})
	p.complete()
	p.lifecycle.ReadDone.complete(nil)
}

func (p *ReadPipeline) handleError(err error) {
	p.fail(err)
	p.lifecycle.handleError(err)
}
