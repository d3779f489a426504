package pump

import "fmt"

type handshakeCaller int

const (
	callerReader handshakeCaller = iota
	callerWriter
)

// HandshakeCoordinator arbitrates delegated-task execution and cross-side
// wakeups. It never calls the other pipeline's processing code directly
// from the calling goroutine — it enqueues a sentinel on the other
// pipeline's own queue and lets that pipeline's own scheduler pick it up,
// the single coupling point between the two pipelines outside the shared
// HandshakeState. This mirrors the teacher's control-channel-to-dispatcher
// discipline of never reaching across goroutines except through a channel
// or an equivalent hand-off point.
type HandshakeCoordinator struct {
	state      *HandshakeState
	writer     *WritePipeline
	executor   Executor
	onFatal    func(error)
	resumeBoth func()
}

// doHandshake reacts to a single Wrap/Unwrap result's handshake status. It
// returns true if the caller may continue its own loop normally (no task
// deferral, no cross-side wake needed).
func (h *HandshakeCoordinator) doHandshake(engine Engine, result EngineResult, caller handshakeCaller) bool {
	h.state.SetHandshaking()

	switch result.HandshakeStatus {
	case HandshakeNeedTask:
		if !h.state.TrySetDoingTasks() {
			return false
		}
		h.executor.Go(func() {
			defer h.state.ClearDoingTasks()
			for {
				tasks := engine.DelegatedTasks()
				for _, task := range tasks {
					if err := task(); err != nil {
						h.onFatal(fmt.Errorf("%w: %v", ErrEngineFailure, err))
						return
					}
				}
				if engine.HandshakeStatus() != HandshakeNeedTask {
					break
				}
			}
			h.resumeBoth()
		})
		return false

	case HandshakeNeedWrap:
		if caller == callerReader {
			// The reader cannot itself produce ciphertext; hand the need
			// off to the writer's own queue and let its scheduler satisfy
			// it.
			h.writer.AddData(nil)
			return false
		}
		// The writer's own ongoing loop will satisfy this on its next
		// iteration.
		return true

	case HandshakeNeedUnwrap, HandshakeNeedUnwrapAgain:
		// Nothing to do here; the reader's own loop drives this.
		return true

	default:
		h.onFatal(fmt.Errorf("%w: unexpected handshake status %v", ErrProtocolViolation, result.HandshakeStatus))
		return false
	}
}
