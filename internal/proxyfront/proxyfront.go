// Package proxyfront implements the local HTTP/CONNECT front-end (C8): a
// plain TCP listener speaking HTTP/1.1 on the client peer's machine, per
// spec.md §4.8.
package proxyfront

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"chantun/internal/ratelimit"
)

const copyChunk = 4096

// StreamHandle is the subset of *clientpeer.StreamHandle the front-end
// pumps bytes through. Callers outside the package wrap OpenStream's
// concrete return value to satisfy this, e.g.:
//
//	open := func(ctx context.Context, host, port string) (proxyfront.StreamHandle, error) {
//	    return peer.OpenStream(ctx, host, port)
//	}
type StreamHandle interface {
	Read(n int) []byte
	Write(ctx context.Context, data []byte) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
	Closed() bool
}

// OpenFunc opens a virtual stream for a dialed (host, port) pair. Typically
// a thin wrapper around (*clientpeer.Peer).OpenStream.
type OpenFunc func(ctx context.Context, host, port string) (StreamHandle, error)

// Front is the local HTTP/CONNECT proxy front-end.
type Front struct {
	listenAddr string
	open       OpenFunc
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
}

// New builds a Front that opens streams through open.
func New(listenAddr string, open OpenFunc, limiter *ratelimit.Limiter, logger *zap.Logger) *Front {
	return &Front{
		listenAddr: listenAddr,
		open:       open,
		limiter:    limiter,
		logger:     logger,
	}
}

// Serve accepts connections on f.listenAddr until ctx is cancelled.
func (f *Front) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", f.listenAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		ip, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
		if splitErr == nil && f.limiter != nil && !f.limiter.Allow(ip) {
			f.logger.Warn("refusing connection: per-IP request limit exceeded", zap.String("ip", ip))
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			f.handleConn(ctx, conn)
		}()
	}
}

func (f *Front) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		writeStatus(conn, http.StatusBadRequest, "Bad Request")
		return
	}

	if req.Method == http.MethodConnect {
		f.handleConnectMethod(ctx, conn, req)
		return
	}
	f.handlePlainHTTP(ctx, conn, req)
}

func (f *Front) handleConnectMethod(ctx context.Context, conn net.Conn, req *http.Request) {
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host, port = req.Host, "443"
	}

	handle, err := f.open(ctx, host, port)
	if err != nil {
		f.logger.Error("CONNECT dial failed", zap.String("host", host), zap.String("port", port), zap.Error(err))
		writeStatus(conn, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	defer handle.Close(ctx)

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		return
	}

	f.pump(ctx, conn, handle)
}

func (f *Front) handlePlainHTTP(ctx context.Context, conn net.Conn, req *http.Request) {
	host := req.Host
	port := "80"
	if h, p, err := net.SplitHostPort(req.Host); err == nil {
		host, port = h, p
	}
	if host == "" {
		writeStatus(conn, http.StatusBadRequest, "Bad Request")
		return
	}

	handle, err := f.open(ctx, host, port)
	if err != nil {
		f.logger.Error("forward dial failed", zap.String("host", host), zap.String("port", port), zap.Error(err))
		writeStatus(conn, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	defer handle.Close(ctx)

	var raw strings.Builder
	fmt.Fprintf(&raw, "%s %s %s\r\n", req.Method, req.URL.RequestURI(), req.Proto)
	fmt.Fprintf(&raw, "Host: %s\r\n", req.Host)
	req.Header.Write(&raw)
	raw.WriteString("\r\n")

	if err := handle.Write(ctx, []byte(raw.String())); err != nil {
		return
	}
	if err := handle.Flush(ctx); err != nil {
		return
	}

	f.pump(ctx, conn, handle)
}

// pump bridges conn and handle bidirectionally (spec.md §4.8): two
// concurrent copiers, each moving up to 4 KiB at a time; the first side to
// see EOF triggers a graceful close of the other.
func (f *Front) pump(ctx context.Context, conn net.Conn, handle StreamHandle) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := make([]byte, copyChunk)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if werr := handle.Write(ctx, buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		_ = handle.Flush(ctx)
		_ = handle.Close(ctx)
	}()

	go func() {
		defer wg.Done()
		for {
			data := handle.Read(copyChunk)
			if len(data) == 0 {
				if handle.Closed() {
					break
				}
				continue
			}
			if _, err := conn.Write(data); err != nil {
				break
			}
		}
		_ = conn.Close()
	}()

	wg.Wait()
}

func writeStatus(conn net.Conn, code int, text string) {
	_, _ = conn.Write([]byte("HTTP/1.1 " + strconv.Itoa(code) + " " + text + "\r\n\r\n"))
}
