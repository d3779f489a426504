package pump

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Record types for stubEngine's tiny made-up wire format: a 2-byte
// big-endian length prefix, a 1-byte record type, then that many bytes of
// payload (length counts the type byte plus payload).
const (
	stubRecordHandshake   byte = 0
	stubRecordApplication byte = 1
	stubRecordClose       byte = 2
)

type stubPhase int

const (
	stubPhaseClientInit stubPhase = iota
	stubPhaseClientWaitServerHello
	stubPhaseClientNeedTask
	stubPhaseClientNeedFinished
	stubPhaseServerWaitClientHello
	stubPhaseServerNeedServerHello
	stubPhaseServerWaitClientFinished
	stubPhaseDone
)

const stubALPN = "stub/1"

// stubEngine is a tiny in-package stand-in for a real TLS engine: a 3-flight
// made-up handshake (ClientHello / ServerHello / ClientFinished) with one
// synthetic delegated task on the client side, followed by XOR "encryption"
// of application records. It exists purely to drive pump's own tests
// without a real crypto/tls dependency inside the pump package (spec.md §1
// keeps crypto/tls out of pump's own import graph).
type stubEngine struct {
	mu    sync.Mutex
	phase stubPhase

	isClient    bool
	xorKey      byte
	taskRun     bool
	fatalUnwrap bool // when true, Unwrap on an application record returns an error

	inboundDone  bool
	outboundDone bool
	closeQueued  bool

	appBufSize int
	pktBufSize int
}

func newStubEngine(isClient bool, xorKey byte) *stubEngine {
	phase := stubPhaseServerWaitClientHello
	if isClient {
		phase = stubPhaseClientInit
	}
	return &stubEngine{
		phase:      phase,
		isClient:   isClient,
		xorKey:     xorKey,
		appBufSize: 4096,
		pktBufSize: 4096,
	}
}

func (e *stubEngine) PacketBufferSize() int      { e.mu.Lock(); defer e.mu.Unlock(); return e.pktBufSize }
func (e *stubEngine) ApplicationBufferSize() int { e.mu.Lock(); defer e.mu.Unlock(); return e.appBufSize }
func (e *stubEngine) IsInboundDone() bool        { e.mu.Lock(); defer e.mu.Unlock(); return e.inboundDone }
func (e *stubEngine) IsOutboundDone() bool       { e.mu.Lock(); defer e.mu.Unlock(); return e.outboundDone }

func (e *stubEngine) ApplicationProtocol() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == stubPhaseDone {
		return stubALPN
	}
	return ""
}

func (e *stubEngine) HandshakeStatus() HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handshakeStatusLocked()
}

func (e *stubEngine) handshakeStatusLocked() HandshakeStatus {
	switch e.phase {
	case stubPhaseClientInit, stubPhaseClientNeedFinished, stubPhaseServerNeedServerHello:
		return HandshakeNeedWrap
	case stubPhaseClientWaitServerHello, stubPhaseServerWaitClientHello, stubPhaseServerWaitClientFinished:
		return HandshakeNeedUnwrap
	case stubPhaseClientNeedTask:
		return HandshakeNeedTask
	default:
		if e.closeQueued {
			return HandshakeNeedWrap
		}
		return HandshakeNotHandshaking
	}
}

func (e *stubEngine) DelegatedTasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != stubPhaseClientNeedTask {
		return nil
	}
	return []Task{func() error {
		e.mu.Lock()
		e.taskRun = true
		e.phase = stubPhaseClientNeedFinished
		e.mu.Unlock()
		return nil
	}}
}

// TriggerClose marks the engine as wanting to send a close record on its
// next Wrap call, simulating an application-initiated close_notify.
func (e *stubEngine) TriggerClose() {
	e.mu.Lock()
	e.closeQueued = true
	e.mu.Unlock()
}

func putRecord(dst []byte, recordType byte, payload []byte) (int, bool) {
	total := 3 + len(payload)
	if len(dst) < total {
		return 0, false
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(1+len(payload)))
	dst[2] = recordType
	copy(dst[3:], payload)
	return total, true
}

// Wrap implements Engine.
func (e *stubEngine) Wrap(src [][]byte, dst []byte) (EngineResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.phase {
	case stubPhaseClientInit:
		n, ok := putRecord(dst, stubRecordHandshake, []byte("CLIENT_HELLO"))
		if !ok {
			return EngineResult{Status: StatusBufferOverflow}, nil
		}
		e.phase = stubPhaseClientWaitServerHello
		return EngineResult{Status: StatusOK, HandshakeStatus: HandshakeNeedUnwrap, BytesProduced: n, Dst: dst[:n]}, nil

	case stubPhaseServerNeedServerHello:
		n, ok := putRecord(dst, stubRecordHandshake, []byte("SERVER_HELLO"))
		if !ok {
			return EngineResult{Status: StatusBufferOverflow}, nil
		}
		e.phase = stubPhaseServerWaitClientFinished
		return EngineResult{Status: StatusOK, HandshakeStatus: HandshakeNeedUnwrap, BytesProduced: n, Dst: dst[:n]}, nil

	case stubPhaseClientNeedFinished:
		n, ok := putRecord(dst, stubRecordHandshake, []byte("CLIENT_FINISHED"))
		if !ok {
			return EngineResult{Status: StatusBufferOverflow}, nil
		}
		e.phase = stubPhaseDone
		return EngineResult{Status: StatusOK, HandshakeStatus: HandshakeFinished, BytesProduced: n, Dst: dst[:n]}, nil
	}

	if e.closeQueued && e.phase == stubPhaseDone {
		n, ok := putRecord(dst, stubRecordClose, nil)
		if !ok {
			return EngineResult{Status: StatusBufferOverflow}, nil
		}
		e.closeQueued = false
		e.outboundDone = true
		return EngineResult{Status: StatusClosed, HandshakeStatus: HandshakeNotHandshaking, BytesProduced: n, Dst: dst[:n]}, nil
	}

	if e.phase != stubPhaseDone {
		// Nothing to wrap and no handshake flight owed: zero-length src,
		// zero-length result (e.g. writer polling ahead of data arriving).
		return EngineResult{Status: StatusOK, HandshakeStatus: e.handshakeStatusLocked()}, nil
	}

	total := 0
	for _, b := range src {
		total += len(b)
	}
	if total == 0 {
		return EngineResult{Status: StatusOK, HandshakeStatus: HandshakeNotHandshaking}, nil
	}

	payload := make([]byte, 0, total)
	for _, b := range src {
		payload = append(payload, b...)
	}
	for i := range payload {
		payload[i] ^= e.xorKey
	}
	n, ok := putRecord(dst, stubRecordApplication, payload)
	if !ok {
		return EngineResult{Status: StatusBufferOverflow}, nil
	}
	return EngineResult{
		Status:          StatusOK,
		HandshakeStatus: HandshakeNotHandshaking,
		BytesConsumed:   total,
		BytesProduced:   n,
		Dst:             dst[:n],
	}, nil
}

// Unwrap implements Engine.
func (e *stubEngine) Unwrap(src []byte, dst []byte) (EngineResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(src) < 3 {
		return EngineResult{Status: StatusBufferUnderflow, HandshakeStatus: e.handshakeStatusLocked()}, nil
	}
	recLen := int(binary.BigEndian.Uint16(src[0:2]))
	total := 2 + recLen
	if len(src) < total {
		return EngineResult{Status: StatusBufferUnderflow, HandshakeStatus: e.handshakeStatusLocked()}, nil
	}
	recordType := src[2]
	payload := src[3:total]

	switch recordType {
	case stubRecordHandshake:
		msg := string(payload)
		switch {
		case e.phase == stubPhaseClientWaitServerHello && msg == "SERVER_HELLO":
			e.phase = stubPhaseClientNeedTask
		case e.phase == stubPhaseServerWaitClientHello && msg == "CLIENT_HELLO":
			e.phase = stubPhaseServerNeedServerHello
		case e.phase == stubPhaseServerWaitClientFinished && msg == "CLIENT_FINISHED":
			e.phase = stubPhaseDone
			return EngineResult{Status: StatusOK, HandshakeStatus: HandshakeFinished, BytesConsumed: total}, nil
		default:
			return EngineResult{}, fmt.Errorf("stub engine: unexpected handshake message %q in phase %d", msg, e.phase)
		}
		return EngineResult{Status: StatusOK, HandshakeStatus: e.handshakeStatusLocked(), BytesConsumed: total}, nil

	case stubRecordClose:
		e.inboundDone = true
		status := HandshakeNotHandshaking
		if !e.outboundDone {
			e.closeQueued = true
			status = HandshakeNeedWrap
		}
		return EngineResult{Status: StatusClosed, HandshakeStatus: status, BytesConsumed: total}, nil

	case stubRecordApplication:
		if e.phase != stubPhaseDone {
			return EngineResult{}, fmt.Errorf("stub engine: application record before handshake finished")
		}
		if e.fatalUnwrap {
			return EngineResult{}, fmt.Errorf("stub engine: simulated fatal unwrap error")
		}
		if len(dst) < len(payload) {
			return EngineResult{Status: StatusBufferOverflow}, nil
		}
		n := copy(dst, payload)
		for i := 0; i < n; i++ {
			dst[i] ^= e.xorKey
		}
		return EngineResult{
			Status:          StatusOK,
			HandshakeStatus: HandshakeNotHandshaking,
			BytesConsumed:   total,
			BytesProduced:   n,
			Dst:             dst[:n],
		}, nil

	default:
		return EngineResult{}, fmt.Errorf("stub engine: unknown record type %d", recordType)
	}
}
