package clientpeer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"chantun/internal/frame"
	"chantun/internal/pipe"
	"chantun/internal/reorder"
	"chantun/internal/tunnelerr"
)

// stream is the client peer's per-request stream state (spec.md §3/§4.4).
// reorderBuf is touched only by the event-loop goroutine (single-threaded
// dispatch, §5), so it needs no lock of its own; writeMu guards the
// write-batching state against concurrent Write/Flush/Close calls on the
// StreamHandle from the local proxy front-end's goroutines.
type stream struct {
	requestID string
	streamID  string

	readPipe   *pipe.Pipe
	reorderBuf *reorder.Buffer

	writeMu     sync.Mutex
	writeBuf    []byte
	maxPayload  int
	sendSeq     uint64
	writeClosed bool
}

// StreamHandle is the (read_pipe, write_buffer) pair SPEC_FULL.md's
// open_stream returns to a front-end like proxyfront, per spec.md §4.6.
type StreamHandle struct {
	peer   *Peer
	stream *stream
}

// Read returns up to n bytes of data arrived from the origin, per pipe.Read.
func (h *StreamHandle) Read(n int) []byte {
	return h.stream.readPipe.Read(n)
}

// Closed reports whether the stream's read side has been torn down and
// fully drained, letting a pump distinguish "idle timeout, keep polling"
// from "stream is really done" when Read returns nil.
func (h *StreamHandle) Closed() bool {
	return h.stream.readPipe.Closed()
}

// Write appends data to the write buffer, auto-flushing the whole buffer
// (as SEND frames of at most maxPayload bytes each, the last one possibly
// shorter) once the buffer reaches max payload size (spec.md §4.6).
func (h *StreamHandle) Write(ctx context.Context, data []byte) error {
	s := h.stream
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeClosed {
		return tunnelerr.ErrStreamTornDown
	}
	s.writeBuf = append(s.writeBuf, data...)
	if len(s.writeBuf) >= s.maxPayload {
		return h.peer.flushLocked(ctx, s)
	}
	return nil
}

// Flush forces any buffered outbound bytes onto the wire now.
func (h *StreamHandle) Flush(ctx context.Context) error {
	s := h.stream
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeClosed {
		return nil
	}
	return h.peer.flushLocked(ctx, s)
}

// Close flushes any remaining buffered bytes and emits CLOSE. Final
// registry cleanup happens when the matching CLOSED frame arrives
// (spec.md §4.7's "On CLOSE ... remove state; emit CLOSED").
func (h *StreamHandle) Close(ctx context.Context) error {
	s := h.stream
	s.writeMu.Lock()
	if s.writeClosed {
		s.writeMu.Unlock()
		return nil
	}
	err := h.peer.flushLocked(ctx, s)
	s.writeClosed = true
	s.writeMu.Unlock()

	text, encErr := frame.EncodeClose(s.streamID)
	if encErr != nil {
		return encErr
	}
	sendErr := h.peer.sendWithRetry(ctx, text)
	if err == nil {
		err = sendErr
	}
	return err
}

// flushLocked must be called with s.writeMu held. It drains s.writeBuf
// completely, splitting it into successive maxPayload-sized SEND frames
// (spec.md §4.6/§4.1, invariant I5: no emitted frame's payload exceeds the
// configured frame limit) with contiguous sequence numbers. On a send
// error, the unsent remainder stays buffered for the next flush attempt.
func (p *Peer) flushLocked(ctx context.Context, s *stream) error {
	for len(s.writeBuf) > 0 {
		n := s.maxPayload
		if n <= 0 || n > len(s.writeBuf) {
			n = len(s.writeBuf)
		}
		chunk := s.writeBuf[:n]
		seq := s.sendSeq
		text, err := frame.EncodeSend(s.streamID, seq, chunk)
		if err != nil {
			return err
		}
		if err := p.sendWithRetry(ctx, text); err != nil {
			p.logger.Error("failed to send SEND frame",
				zap.String("streamID", s.streamID), zap.Uint64("seq", seq), zap.Error(err))
			return err
		}
		s.sendSeq++
		s.writeBuf = s.writeBuf[n:]
	}
	return nil
}
