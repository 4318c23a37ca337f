package serverpeer

import (
	"net"
	"sync"

	"chantun/internal/reorder"
)

// stream is the server peer's per-stream_id state (spec.md §3/§4.4).
// reorderBuf is touched only by the event-loop goroutine; sendSeq is
// touched only by this stream's own reader goroutine, so neither needs a
// lock. closeOnce guards against a racing SEND/CLOSE/EOF all trying to
// tear the same stream down at once.
type stream struct {
	requestID string
	streamID  string
	chatID    string

	socket     net.Conn
	reorderBuf *reorder.Buffer
	sendSeq    uint64

	closeOnce sync.Once
}
