package pump

import "sync"

// writeElemKind distinguishes the three things that can sit in a
// WriteQueue. Tagging the variant, instead of comparing zero-length buffers
// by identity, is the redesign spec.md's own design notes suggest: a real
// empty caller-supplied buffer can never be mistaken for a sentinel.
type writeElemKind int

const (
	writeElemData writeElemKind = iota
	writeElemHandshakeTrigger
	writeElemCompletion
)

// writeElem is one entry in the write queue.
type writeElem struct {
	kind writeElemKind
	data []byte
	pos  int // bytes of data already consumed by Wrap
}

func (e *writeElem) remaining() []byte {
	if e.kind != writeElemData {
		return nil
	}
	return e.data[e.pos:]
}

// WriteQueue is the ordered sequence of pending plaintext buffers plus the
// handshake-trigger and completion sentinels, guarded by its own lock.
type WriteQueue struct {
	mu    sync.Mutex
	items []*writeElem
}

// NewWriteQueue returns an empty WriteQueue.
func NewWriteQueue() *WriteQueue { return &WriteQueue{} }

// PushData appends application buffers to the tail of the queue.
func (q *WriteQueue) PushData(buffers [][]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range buffers {
		q.items = append(q.items, &writeElem{kind: writeElemData, data: b})
	}
}

// PushHandshakeTrigger appends a handshake-trigger sentinel.
func (q *WriteQueue) PushHandshakeTrigger() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, &writeElem{kind: writeElemHandshakeTrigger})
}

// PushCompletion appends the completion sentinel.
func (q *WriteQueue) PushCompletion() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, &writeElem{kind: writeElemCompletion})
}

// HasHandshakeTrigger reports whether a handshake-trigger sentinel is
// currently queued.
func (q *WriteQueue) HasHandshakeTrigger() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.kind == writeElemHandshakeTrigger {
			return true
		}
	}
	return false
}

// HasRemainingBytes reports whether any queued data element still has
// unconsumed bytes.
func (q *WriteQueue) HasRemainingBytes() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.kind == writeElemData && it.pos < len(it.data) {
			return true
		}
	}
	return false
}

// Len returns the number of entries currently queued (data and sentinels).
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the current queue contents, used to build a Wrap source
// list and later to attribute consumed bytes back to the right elements.
func (q *WriteQueue) Snapshot() []*writeElem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*writeElem, len(q.items))
	copy(out, q.items)
	return out
}

// SourceBuffers builds the [][]byte Wrap expects from a snapshot, skipping
// sentinels and already-drained data elements.
func SourceBuffers(snapshot []*writeElem) [][]byte {
	var src [][]byte
	for _, e := range snapshot {
		if r := e.remaining(); len(r) > 0 {
			src = append(src, r)
		}
	}
	return src
}

// Consume marks n bytes as consumed from the front of the data-bearing
// elements of snapshot, in snapshot order, after a Wrap call reports
// BytesConsumed.
func (q *WriteQueue) Consume(snapshot []*writeElem, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range snapshot {
		if n <= 0 {
			break
		}
		if e.kind != writeElemData {
			continue
		}
		avail := len(e.data) - e.pos
		if avail <= 0 {
			continue
		}
		take := avail
		if take > n {
			take = n
		}
		e.pos += take
		n -= take
	}
}

// RemoveDrained deletes fully-consumed data elements from the queue. Both
// sentinel kinds are kept by identity regardless of their (always zero)
// drain state.
func (q *WriteQueue) RemoveDrained() {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, it := range q.items {
		if it.kind == writeElemData && it.pos >= len(it.data) {
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
}

// PopSentinel removes the first occurrence of the given sentinel kind, if
// present, and reports whether it found one.
func (q *WriteQueue) PopSentinel(kind writeElemKind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.kind == kind {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
