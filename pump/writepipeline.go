package pump

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// WritePipeline carries plaintext written by the application through an
// ordered WriteQueue, Engine.Wrap, and out to the downstream ciphertext
// consumer (the network side). Queue draining, the handshake-trigger
// sentinel, and the completion sentinel are modeled as a tagged variant per
// writequeue.go, rather than by comparing zero-length buffers by identity.
type WritePipeline struct {
	subscriberWrapper

	engine      Engine
	queue       *WriteQueue
	state       *HandshakeState
	lifecycle   *Lifecycle
	coordinator *HandshakeCoordinator
	resumeBoth  func()
	logger      *slog.Logger

	sched *SequentialScheduler

	completing        atomic.Bool
	upstreamCancelled atomic.Bool
	finalSent         atomic.Bool
}

// OnSubscribe seeds the queue with an initial handshake-trigger sentinel so
// a client-side engine's first flight gets driven out even before the
// application has written anything.
func (p *WritePipeline) OnSubscribe() {
	p.queue.PushHandshakeTrigger()
	p.sched.RunOrSchedule()
}

// Incoming implements Sink: it enqueues plaintext, or (when complete) the
// completion sentinel, and schedules processing. complete must be sent with
// an empty buffers list.
func (p *WritePipeline) Incoming(buffers [][]byte, complete bool) {
	if complete {
		if len(buffers) != 0 {
			panic("pump: WritePipeline.Incoming: complete must be sent with an empty buffer list")
		}
		p.queue.PushCompletion()
		p.completing.Store(true)
	} else {
		p.queue.PushData(buffers)
	}
	p.sched.RunOrSchedule()
}

// AddData is the coordinator's entry point for injecting the
// handshake-trigger sentinel; its argument is ignored (the sentinel carries
// no bytes).
func (p *WritePipeline) AddData([]byte) {
	p.queue.PushHandshakeTrigger()
	p.sched.RunOrSchedule()
}

// UpstreamWindowUpdate implements Sink: credit is withheld once the queue
// already holds more than 10 pending entries, otherwise the shared base
// formula applies.
func (p *WritePipeline) UpstreamWindowUpdate(current, downstreamQueueSize int64) int64 {
	if p.queue.Len() > 10 {
		return 0
	}
	return baseWindowUpdate(current, downstreamQueueSize)
}

// Stop halts the scheduler; any run already in progress finishes its
// current iteration first.
func (p *WritePipeline) Stop() {
	p.sched.Stop()
}

// Closing reports whether a close_notify has been received from the peer,
// so a caller feeding this pipeline knows further writes are no longer
// meaningful.
func (p *WritePipeline) Closing() bool {
	return p.lifecycle.closeNotifyReceived.Load()
}

// Fail implements Sink: the plaintext source itself failed (the
// application's write side), so the whole pump tears down exceptionally.
func (p *WritePipeline) Fail(err error) {
	p.handleError(fmt.Errorf("%w: %v", ErrUpstreamFailure, err))
}

// processData drains the write queue through Wrap until no data, no
// handshake-trigger sentinel, and no outstanding NEED_WRAP remain.
func (p *WritePipeline) processData() {
	for p.queue.HasRemainingBytes() || p.queue.HasHandshakeTrigger() || p.engine.HandshakeStatus() == HandshakeNeedWrap {
		snapshot := p.queue.Snapshot()
		src := SourceBuffers(snapshot)

		result, err := p.wrapOnce(src)
		if err != nil {
			p.handleError(fmt.Errorf("%w: %v", ErrEngineFailure, err))
			return
		}

		p.queue.PopSentinel(writeElemHandshakeTrigger)

		if result.Status == StatusClosed {
			if !p.upstreamCancelled.Swap(true) {
				p.cancelUpstream()
			}
			if result.BytesProduced == 0 {
				return
			}
			if !p.completing.Swap(true) {
				p.queue.PushCompletion()
			}
		}

		if result.Handshaking() {
			p.state.SetHandshaking()
			p.coordinator.doHandshake(p.engine, result, callerWriter)
		} else if p.state.ClearHandshaking() {
			p.surfaceAlpn()
			p.resumeBoth()
		}

		p.queue.Consume(snapshot, result.BytesConsumed)
		p.queue.RemoveDrained()

		if result.BytesProduced > 0 {
			p.emit([][]byte{result.Dst})
		}

		if p.state.IsHandshaking() && !p.completing.Load() {
			if p.engine.HandshakeStatus() == HandshakeNeedWrap {
				continue
			}
			return
		}
	}

	if p.completing.Load() && !p.queue.HasRemainingBytes() && !p.queue.HasHandshakeTrigger() {
		p.queue.PopSentinel(writeElemCompletion)
		p.emitFinal()
		return
	}

	if p.queue.Len() == 0 && p.engine.HandshakeStatus() == HandshakeNeedWrap {
		p.queue.PushHandshakeTrigger()
	}
}

// wrapOnce performs one logical Wrap call, growing the destination buffer
// and retrying on overflow without consuming additional input.
func (p *WritePipeline) wrapOnce(src [][]byte) (EngineResult, error) {
	dst := make([]byte, p.engine.PacketBufferSize())
	for {
		result, err := p.engine.Wrap(src, dst)
		if err != nil {
			return EngineResult{}, err
		}
		if result.Status == StatusBufferOverflow {
			bigger := make([]byte, p.engine.PacketBufferSize()+len(result.Dst))
			copy(bigger, result.Dst)
			dst = bigger
			continue
		}
		return result, nil
	}
}

func (p *WritePipeline) surfaceAlpn() {
	p.lifecycle.Alpn.complete(p.engine.ApplicationProtocol())
}

// emitFinal emits the terminal empty frame and settles the write-side
// completion future exactly once.
func (p *WritePipeline) emitFinal() {
	if p.finalSent.Swap(true) {
		return
	}
	p.emit([][]byte{})
	p.complete()
	p.lifecycle.WriteDone.complete(nil)
}

func (p *WritePipeline) handleError(err error) {
	p.fail(err)
	p.lifecycle.handleError(err)
}
