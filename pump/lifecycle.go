package pump

import (
	"context"
	"sync"
	"sync/atomic"
)

// completionFuture is a one-shot, exactly-once-settled error future: nil
// error means successful completion.
type completionFuture struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletionFuture() *completionFuture {
	return &completionFuture{done: make(chan struct{})}
}

func (f *completionFuture) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed once the future settles.
func (f *completionFuture) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx is done.
func (f *completionFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AlpnFuture is a single-assignment slot for the negotiated
// application-protocol identifier: completed successfully once the
// handshake finishes or the stream ends without negotiating one (empty
// string), completed exceptionally on fatal error. Settles exactly once.
type AlpnFuture struct {
	once  sync.Once
	done  chan struct{}
	value string
	err   error
}

func newAlpnFuture() *AlpnFuture {
	return &AlpnFuture{done: make(chan struct{})}
}

func (a *AlpnFuture) complete(value string) {
	a.once.Do(func() {
		a.value = value
		close(a.done)
	})
}

func (a *AlpnFuture) fail(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Wait blocks until the ALPN identifier is known, or settles with an error,
// or ctx is done.
func (a *AlpnFuture) Wait(ctx context.Context) (string, error) {
	select {
	case <-a.done:
		return a.value, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Lifecycle owns the two independent half-completion futures (reader,
// writer — kept distinct rather than aliased into one, matching spec.md's
// own stated design), the ALPN future, the close-notify flag, and the
// normal-stop barrier shared between the two pipelines.
type Lifecycle struct {
	ReadDone  *completionFuture
	WriteDone *completionFuture
	Alpn      *AlpnFuture

	closeNotifyReceived atomic.Bool

	stopOnce sync.Once
	errOnce  sync.Once
	stopFn   func()
}

func newLifecycle() *Lifecycle {
	return &Lifecycle{
		ReadDone:  newCompletionFuture(),
		WriteDone: newCompletionFuture(),
		Alpn:      newAlpnFuture(),
	}
}

// handleError completes both half-completion futures exceptionally with the
// same cause (first one wins), fails the ALPN future if still pending, and
// stops both pipelines.
func (l *Lifecycle) handleError(err error) {
	l.errOnce.Do(func() {
		l.ReadDone.complete(err)
		l.WriteDone.complete(err)
		l.Alpn.fail(err)
	})
	l.normalStop()
}

// normalStop stops both pipelines exactly once.
func (l *Lifecycle) normalStop() {
	l.stopOnce.Do(func() {
		if l.stopFn != nil {
			l.stopFn()
		}
	})
}

// watchCompletion arranges for normalStop to fire once both halves have
// settled, successfully or not.
func (l *Lifecycle) watchCompletion() {
	go func() {
		<-l.ReadDone.Done()
		<-l.WriteDone.Done()
		l.normalStop()
	}()
}
