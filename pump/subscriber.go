package pump

import "sync"

// Sink is the demand-driven contract a pipeline exposes to whatever feeds
// it: the upstream side pushes buffers through Incoming and periodically
// asks UpstreamWindowUpdate how much more credit it may grant.
type Sink interface {
	// Incoming delivers the next batch of buffers. complete=true marks
	// end-of-stream and is always sent with an empty buffers list.
	Incoming(buffers [][]byte, complete bool)

	// UpstreamWindowUpdate reports how much additional demand the caller
	// may grant upstream, given its current outstanding demand and the
	// depth of the downstream queue. A return of 0 withholds credit.
	UpstreamWindowUpdate(current, downstreamQueueSize int64) int64

	// Fail reports that the upstream source itself has failed (a read
	// error on the underlying transport, not a protocol-level engine or
	// downstream failure). It tears the whole pump down exceptionally,
	// wrapped in ErrUpstreamFailure.
	Fail(err error)
}

// Downstream is implemented by whatever consumes frames emitted by a
// pipeline (decrypted plaintext for the read side, ciphertext for the write
// side). OnComplete and OnError are mutually exclusive and each fires at
// most once, always last.
type Downstream interface {
	OnNext(frame [][]byte)
	OnComplete()
	OnError(err error)
}

// Upstream is how a pipeline asks its own data source for more credit, or
// tells it no more data is wanted.
type Upstream interface {
	Request(n int64)
	Cancel()
}

type noopUpstream struct{}

func (noopUpstream) Request(int64) {}
func (noopUpstream) Cancel()       {}

// baseWindowTarget is the default number of frames a pipeline tries to keep
// outstanding with its upstream, absent any direction-specific override.
const baseWindowTarget = 32

// baseWindowUpdate is the shared default credit formula every pipeline
// falls back to except where spec-mandated buffer pressure overrides it
// (ReadPipeline withholds credit above a ciphertext threshold; WritePipeline
// withholds it above a queue-depth threshold).
func baseWindowUpdate(current, downstreamQueueSize int64) int64 {
	want := int64(baseWindowTarget) - downstreamQueueSize
	if want <= 0 {
		return 0
	}
	if current >= want {
		return 0
	}
	return want - current
}

// subscriberWrapper is the shared base every pipeline embeds: common
// upstream/downstream bookkeeping and exactly-once completion, so each
// pipeline only has to implement its direction-specific processData and
// UpstreamWindowUpdate.
type subscriberWrapper struct {
	upstream   Upstream
	downstream Downstream

	mu          sync.Mutex
	outstanding int64
	completed   bool
}

func (b *subscriberWrapper) init(upstream Upstream, downstream Downstream) {
	if upstream == nil {
		upstream = noopUpstream{}
	}
	b.upstream = upstream
	b.downstream = downstream
}

func (b *subscriberWrapper) requestMore(n int64) {
	if n <= 0 {
		return
	}
	b.upstream.Request(n)
}

func (b *subscriberWrapper) cancelUpstream() {
	b.upstream.Cancel()
}

func (b *subscriberWrapper) emit(frame [][]byte) {
	if b.downstream != nil {
		b.downstream.OnNext(frame)
	}
}

// complete fires OnComplete exactly once, ignoring any call after the first
// terminal event (complete or fail).
func (b *subscriberWrapper) complete() {
	b.mu.Lock()
	if b.completed {
		b.mu.Unlock()
		return
	}
	b.completed = true
	b.mu.Unlock()
	if b.downstream != nil {
		b.downstream.OnComplete()
	}
}

// fail fires OnError exactly once, ignoring any call after the first
// terminal event.
func (b *subscriberWrapper) fail(err error) {
	b.mu.Lock()
	if b.completed {
		b.mu.Unlock()
		return
	}
	b.completed = true
	b.mu.Unlock()
	if b.downstream != nil {
		b.downstream.OnError(err)
	}
}

// resetDemand zeroes tracked outstanding demand, used by the reset-reader-
// demand external operation to let a caller re-synchronize credit after an
// out-of-band pause.
func (b *subscriberWrapper) resetDemand() {
	b.mu.Lock()
	b.outstanding = 0
	b.mu.Unlock()
}
