// Package serverpeer implements the server-side tunnel engine (C7) and its
// event loop (C9): accept-on-demand dialing and the per-stream socket pump,
// per spec.md §4.7 and §4.9.
package serverpeer

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chantun/internal/chatapi"
	"chantun/internal/config"
	"chantun/internal/frame"
	"chantun/internal/netdial"
	"chantun/internal/registry"
	"chantun/internal/reorder"
	"chantun/internal/tunnelerr"
)

const maxSeqDigits = 10

// transport is the subset of chatapi.Client the engine depends on, so
// tests can substitute an in-process fake.
type transport interface {
	SendText(ctx context.Context, chatID, text string) error
	PollUpdates(ctx context.Context, offset int64, limit int) ([]chatapi.Update, error)
}

// Dialer opens a TCP connection to host:port. Production code uses
// netdial.DialFast; tests substitute a fake.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Peer is the server-side tunnel engine and event loop.
type Peer struct {
	chat   transport
	cfg    config.Tunables
	logger *zap.Logger
	dial   Dialer

	byRequestID *registry.Table[string, *stream]
	byStreamID  *registry.Table[string, *stream]

	offset int64
}

// NewPeer builds a server-side tunnel engine that dials targets with
// netdial.DialFast.
func NewPeer(chat *chatapi.Client, cfg config.Tunables, logger *zap.Logger) *Peer {
	return newPeer(chat, cfg, logger, netdial.DialFast)
}

func newPeer(chat transport, cfg config.Tunables, logger *zap.Logger, dial Dialer) *Peer {
	return &Peer{
		chat:        chat,
		cfg:         cfg,
		logger:      logger,
		dial:        dial,
		byRequestID: registry.New[string, *stream](),
		byStreamID:  registry.New[string, *stream](),
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
			sleepOrDone(ctx, 5*time.Second)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			text, chatID, ok := u.Text()
			if !ok {
				continue
			}
			p.dispatch(ctx, chatID, text)
		}

		sleepOrDone(ctx, interval)
	}
}

func (p *Peer) dispatch(ctx context.Context, chatID, text string) {
	f, ok := frame.Parse(text)
	if !ok {
		p.logger.Warn("dropping unparseable frame", zap.Int("length", len(text)))
		return
	}
	switch v := f.(type) {
	case frame.Connect:
		p.handleConnect(ctx, chatID, v)
	case frame.Send:
		p.handleSend(ctx, v)
	case frame.Close:
		p.handleClose(ctx, v)
	default:
		// OK/RECV/CLOSED/FAIL are client-peer-bound chatter.
	}
}

func (p *Peer) handleConnect(ctx context.Context, chatID string, v frame.Connect) {
	if _, exists := p.byRequestID.Get(v.RequestID); exists {
		p.logger.Warn("replayed CONNECT for already-connected request_id", zap.String("requestID", v.RequestID))
		return
	}

	addr := net.JoinHostPort(v.Host, v.Port)
	conn, err := p.dial(ctx, addr)
	if err != nil {
		p.logger.Error("dial failed", zap.String("addr", addr), zap.Error(err))
		text, encErr := frame.EncodeFail(v.RequestID, err.Error())
		if encErr == nil {
			_ = p.sendWithRetry(ctx, chatID, text)
		}
		return
	}

	streamID := newID()
	s := &stream{
		requestID:  v.RequestID,
		streamID:   streamID,
		chatID:     chatID,
		socket:     conn,
		reorderBuf: reorder.New(p.cfg.ReorderBufferCap),
	}
	p.byRequestID.Set(v.RequestID, s)
	p.byStreamID.Set(streamID, s)

	text, err := frame.EncodeOK(v.RequestID, streamID)
	if err != nil {
		p.logger.Error("failed to encode OK", zap.Error(err))
		p.teardown(ctx, s)
		return
	}
	if err := p.sendWithRetry(ctx, chatID, text); err != nil {
		p.logger.Error("failed to send OK, tearing down", zap.Error(err))
		p.teardown(ctx, s)
		return
	}

	go p.readLoop(ctx, s)
}

// readLoop is the per-stream reader (spec.md §4.7 step 4): read chunks
// sized so their base64 expansion fits the frame limit, and emit a RECV
// frame for each one, in order, until EOF or a read error.
func (p *Peer) readLoop(ctx context.Context, s *stream) {
	chunkSize := frame.MaxPayload(p.cfg.FrameLimit, s.streamID, maxSeqDigits)
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	buf := make([]byte, chunkSize)

	for {
		n, err := s.socket.Read(buf)
		if n > 0 {
			seq := s.sendSeq
			s.sendSeq++
			text, encErr := frame.EncodeRecv(s.streamID, seq, buf[:n])
			if encErr != nil {
				p.logger.Error("failed to encode RECV", zap.Error(encErr))
				p.teardown(ctx, s)
				return
			}
			if sendErr := p.sendWithRetry(ctx, s.chatID, text); sendErr != nil {
				p.logger.Error("failed to send RECV, tearing down", zap.String("streamID", s.streamID), zap.Error(sendErr))
				p.teardown(ctx, s)
				return
			}
		}
		if err != nil {
			p.teardown(ctx, s)
			return
		}
	}
}

func (p *Peer) handleSend(ctx context.Context, v frame.Send) {
	s, ok := p.byStreamID.Get(v.StreamID)
	if !ok {
		p.logger.Warn("SEND for unknown stream_id", zap.String("streamID", v.StreamID))
		return
	}

	var writeErr error
	err := s.reorderBuf.Accept(v.Seq, v.Payload, func(payload []byte) {
		if writeErr != nil {
			return
		}
		if _, werr := s.socket.Write(payload); werr != nil {
			writeErr = werr
		}
	})
	if errors.Is(err, reorder.ErrOverflow) {
		p.logger.Error("reorder buffer overflow, tearing down stream", zap.String("streamID", v.StreamID))
		p.teardown(ctx, s)
		return
	}
	if writeErr != nil {
		p.logger.Error("write to target socket failed, tearing down", zap.String("streamID", v.StreamID), zap.Error(writeErr))
		p.teardown(ctx, s)
	}
}

func (p *Peer) handleClose(ctx context.Context, v frame.Close) {
	s, ok := p.byStreamID.Get(v.StreamID)
	if !ok {
		p.logger.Warn("CLOSE for unknown stream_id", zap.String("streamID", v.StreamID))
		return
	}
	p.teardown(ctx, s)
}

// teardown closes the target socket, removes the stream from both
// registries, and emits CLOSED <request_id> (the binding convention chosen
// in SPEC_FULL.md §9). closeOnce makes this safe to call from the reader
// goroutine (on EOF) and the event loop (on CLOSE) racing each other.
func (p *Peer) teardown(ctx context.Context, s *stream) {
	s.closeOnce.Do(func() {
		_ = s.socket.Close()
		p.byStreamID.Delete(s.streamID)
		p.byRequestID.Delete(s.requestID)

		text, err := frame.EncodeClosed(s.requestID)
		if err != nil {
			return
		}
		if err := p.sendWithRetry(ctx, s.chatID, text); err != nil {
			p.logger.Error("failed to send CLOSED", zap.String("streamID", s.streamID), zap.Error(err))
		}
	})
}

// sendWithRetry posts text, retrying transient transport failures with a
// fixed 1s-initial, 5s-capped backoff (spec.md §4.2).
func (p *Peer) sendWithRetry(ctx context.Context, chatID, text string) error {
	backoff := time.Second
	for {
		err := p.chat.SendText(ctx, chatID, text)
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
