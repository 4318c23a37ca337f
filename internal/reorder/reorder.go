// Package reorder implements the per-stream sequence reassembly buffer
// (C5): deliver inbound payloads strictly in sequence order, holding
// out-of-order arrivals until their predecessor completes, per spec.md
// §4.5 and invariant I2.
package reorder

import "github.com/pkg/errors"

// ErrOverflow is returned once the held set of out-of-order frames exceeds
// the configured cap, per spec.md §4.5: the caller must tear down the
// stream, since this indicates either abuse or a predecessor frame that
// will never arrive.
var ErrOverflow = errors.New("reorder buffer overflow")

// Buffer reassembles a single stream's inbound frames into delivery order.
// It is not safe for concurrent use; callers serialize per-stream access
// themselves (both peers call Accept only from their event-loop goroutine).
type Buffer struct {
	cap     int
	recvSeq uint64
	pending map[uint64][]byte
}

// New creates a Buffer with the given overflow cap (spec.md recommends
// 256). A non-positive cap disables the cap (unbounded, matching the
// reference design) — callers should prefer a positive cap in production.
func New(cap int) *Buffer {
	return &Buffer{cap: cap, pending: make(map[uint64][]byte)}
}

// NextSeq returns the next sequence number this buffer expects to deliver.
func (b *Buffer) NextSeq() uint64 { return b.recvSeq }

// Accept feeds one inbound (seq, payload) pair through the reassembly
// algorithm. deliver is called once per payload, in order, for every frame
// that becomes deliverable as a result of this call (zero or more times:
// zero for an out-of-order arrival that's buffered, one for the in-order
// case, more than one when this frame fills a gap that unblocks buffered
// successors). Replays (seq < NextSeq()) are silently discarded, satisfying
// invariant I3 (replay idempotence).
func (b *Buffer) Accept(seq uint64, payload []byte, deliver func([]byte)) error {
	switch {
	case seq < b.recvSeq:
		return nil // duplicate from poll replay: discard
	case seq == b.recvSeq:
		deliver(payload)
		b.recvSeq++
		for {
			next, ok := b.pending[b.recvSeq]
			if !ok {
				break
			}
			delete(b.pending, b.recvSeq)
			deliver(next)
			b.recvSeq++
		}
		return nil
	default:
		if b.cap > 0 && len(b.pending) >= b.cap {
			if _, already := b.pending[seq]; !already {
				return ErrOverflow
			}
		}
		b.pending[seq] = payload // may overwrite a duplicate replay
		return nil
	}
}
