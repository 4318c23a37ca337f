// Package clientpeer implements the client-side tunnel engine (C6) and its
// event loop (C9): open_stream, write batching, and inbound dispatch for
// OK/RECV/CLOSED/FAIL, per spec.md §4.6 and §4.9.
package clientpeer

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"chantun/internal/chatapi"
	"chantun/internal/config"
	"chantun/internal/frame"
	"chantun/internal/pipe"
	"chantun/internal/registry"
	"chantun/internal/reorder"
	"chantun/internal/tunnelerr"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// maxSeqDigits bounds the per-stream overhead budget in frame.MaxPayload;
// a uint64 sequence never exceeds 20 digits, but streams this long-lived
// are not realistic, so 10 digits (up to ~10 billion frames) is generous
// without wasting payload headroom on every frame.
const maxSeqDigits = 10

// transport is the subset of chatapi.Client the engine depends on, so
// tests can substitute an in-process fake (SPEC_FULL.md §8).
type transport interface {
	SendText(ctx context.Context, chatID, text string) error
	PollUpdates(ctx context.Context, offset int64, limit int) ([]chatapi.Update, error)
}

// pendingConnect tracks an in-flight open_stream call awaiting its OK or
// FAIL, replacing the source's 10ms busy-poll with a single channel signal.
type pendingConnect struct {
	done   chan struct{}
	stream *stream
	failed bool
	reason string
}

// Peer is the client-side tunnel engine and event loop.
type Peer struct {
	chat   transport
	chatID string
	cfg    config.Tunables
	logger *zap.Logger

	byRequestID *registry.Table[string, *stream]
	byStreamID  *registry.Table[string, *stream]
	pending     *registry.Table[string, *pendingConnect]

	offset int64
}

// NewPeer builds a client-side tunnel engine.
func NewPeer(chat *chatapi.Client, chatID string, cfg config.Tunables, logger *zap.Logger) *Peer {
	return &Peer{
		chat:        chat,
		chatID:      chatID,
		cfg:         cfg,
		logger:      logger,
		byRequestID: registry.New[string, *stream](),
		byStreamID:  registry.New[string, *stream](),
		pending:     registry.New[string, *pendingConnect](),
	}
}

// DialFailedError is returned by OpenStream when the server peer reports it
// could not reach the target (SPEC_FULL.md §9 Open Question 2's FAIL frame).
type DialFailedError struct{ Reason string }

func (e *DialFailedError) Error() string { return "dial failed: " + e.Reason }

// ConnectTimeoutError is returned when no OK or FAIL arrives before the
// configured connect timeout (spec.md §5, recommended 30s).
type ConnectTimeoutError struct{ RequestID string }

func (e *ConnectTimeoutError) Error() string { return "connect timeout for request " + e.RequestID }

// OpenStream implements spec.md §4.6's open_stream: generate a request_id,
// send CONNECT, and wait for the matching OK (success) or FAIL (dial
// failure) before returning a StreamHandle.
func (p *Peer) OpenStream(ctx context.Context, host, port string) (*StreamHandle, error) {
	requestID := newID()

	pc := &pendingConnect{done: make(chan struct{})}
	p.pending.Set(requestID, pc)

	text, err := frame.EncodeConnect(requestID, host, port)
	if err != nil {
		p.pending.Delete(requestID)
		return nil, err
	}
	if err := p.sendWithRetry(ctx, text); err != nil {
		p.pending.Delete(requestID)
		return nil, err
	}

	timeout := p.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pc.done:
		if pc.failed {
			return nil, &DialFailedError{Reason: pc.reason}
		}
		return &StreamHandle{peer: p, stream: pc.stream}, nil
	case <-timer.C:
		p.pending.Delete(requestID)
		return nil, &ConnectTimeoutError{RequestID: requestID}
	case <-ctx.Done():
		p.pending.Delete(requestID)
		return nil, ctx.Err()
	}
}

// Run executes the event loop (C9): poll, dispatch, back off on error,
// forever until ctx is cancelled.
func (p *Peer) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := p.chat.PollUpdates(ctx, p.offset, p.cfg.PollLimit)
		if err != nil {
			p.logger.Error("poll failed", zap.Error(err))
			if tunnelerr.IsTransportFatal(err) {
				p.logger.Error("transport fatal error, will keep retrying per spec")
			}
			sleepOrDone(ctx, 5*time.Second)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			text, _, ok := u.Text()
			if !ok {
				continue
			}
			p.dispatch(ctx, text)
		}

		sleepOrDone(ctx, interval)
	}
}

func (p *Peer) dispatch(ctx context.Context, text string) {
	f, ok := frame.Parse(text)
	if !ok {
		p.logger.Warn("dropping unparseable frame", zap.Int("length", len(text)))
		return
	}
	switch v := f.(type) {
	case frame.OK:
		p.handleOK(v)
	case frame.Fail:
		p.handleFail(v)
	case frame.Recv:
		p.handleRecv(v)
	case frame.Closed:
		p.handleClosed(v)
	default:
		// CONNECT/SEND/CLOSE are server-peer-bound; a client receiving
		// one is unrelated chatter sharing the chat, not a violation.
	}
}

func (p *Peer) handleOK(v frame.OK) {
	pc, ok := p.pending.Get(v.RequestID)
	if !ok {
		p.logger.Warn("OK for unknown or already-resolved request_id", zap.String("requestID", v.RequestID))
		return
	}
	if _, exists := p.byRequestID.Get(v.RequestID); exists {
		p.logger.Warn("duplicate OK for request_id", zap.String("requestID", v.RequestID))
		return
	}

	maxPayload := frame.MaxPayload(p.cfg.FrameLimit, v.StreamID, maxSeqDigits)
	s := &stream{
		requestID:  v.RequestID,
		streamID:   v.StreamID,
		readPipe:   pipe.New(p.cfg.WriteWatermark, p.cfg.ReadIdleTimeout),
		reorderBuf: reorder.New(p.cfg.ReorderBufferCap),
		maxPayload: maxPayload,
	}
	p.byRequestID.Set(v.RequestID, s)
	p.byStreamID.Set(v.StreamID, s)

	pc.stream = s
	close(pc.done)
	p.pending.Delete(v.RequestID)
}

func (p *Peer) handleFail(v frame.Fail) {
	pc, ok := p.pending.Get(v.RequestID)
	if !ok {
		return
	}
	pc.failed = true
	pc.reason = v.Reason
	close(pc.done)
	p.pending.Delete(v.RequestID)
}

func (p *Peer) handleRecv(v frame.Recv) {
	s, ok := p.byStreamID.Get(v.StreamID)
	if !ok {
		p.logger.Warn("RECV for unknown stream_id", zap.String("streamID", v.StreamID))
		return
	}
	err := s.reorderBuf.Accept(v.Seq, v.Payload, func(payload []byte) {
		_ = s.readPipe.Write(payload)
	})
	if errors.Is(err, reorder.ErrOverflow) {
		p.logger.Error("reorder buffer overflow, tearing down stream", zap.String("streamID", v.StreamID))
		p.teardown(s)
	}
}

func (p *Peer) handleClosed(v frame.Closed) {
	s, ok := p.byRequestID.Get(v.RequestID)
	if !ok {
		return
	}
	p.teardown(s)
}

func (p *Peer) teardown(s *stream) {
	s.readPipe.Close()
	p.byRequestID.Delete(s.requestID)
	p.byStreamID.Delete(s.streamID)
}

// sendWithRetry posts text, retrying transient transport failures with a
// fixed 1s-initial, 5s-capped backoff (spec.md §4.2). Fatal errors and
// context cancellation return immediately.
func (p *Peer) sendWithRetry(ctx context.Context, text string) error {
	backoff := time.Second
	for {
		err := p.chat.SendText(ctx, p.chatID, text)
		if err == nil {
			return nil
		}
		if !tunnelerr.IsTransportTransient(err) {
			return err
		}
		p.logger.Warn("transient send failure, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		if !sleepOrDone(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

// sleepOrDone sleeps for d, returning false early if ctx is cancelled.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// newID produces a 128-bit hex id shaped like the source's
// uuid.uuid4().hex: a v4 UUID with its hyphens stripped.
func newID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
