package proxyfront

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStream is an in-process stand-in for a *clientpeer.StreamHandle: Write
// appends to a log, Read drains a queue fed by the test (simulating bytes
// arriving from the simulated origin).
type fakeStream struct {
	mu      sync.Mutex
	written []byte
	toRead  [][]byte
	closed  bool
}

func (s *fakeStream) Read(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.toRead) == 0 {
		time.Sleep(time.Millisecond)
		return nil
	}
	chunk := s.toRead[0]
	s.toRead = s.toRead[1:]
	return chunk
}

func (s *fakeStream) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, data...)
	return nil
}

func (s *fakeStream) Flush(ctx context.Context) error { return nil }

func (s *fakeStream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && len(s.toRead) == 0
}

func (s *fakeStream) push(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toRead = append(s.toRead, data)
}

func startTestFront(t *testing.T, open OpenFunc) (addr string, stop func()) {
	t.Helper()
	front := New("127.0.0.1:0", open, nil, zap.NewNop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	front.listenAddr = ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		// Serve re-listens on the same address; give it a moment before
		// the test dials.
		close(ready)
		_ = front.Serve(ctx)
	}()
	<-ready
	time.Sleep(20 * time.Millisecond)
	return front.listenAddr, cancel
}

func TestConnectMethodEstablishesTunnel(t *testing.T) {
	fs := &fakeStream{}
	fs.push([]byte("hello from origin"))

	open := func(ctx context.Context, host, port string) (StreamHandle, error) {
		assert.Equal(t, "example.com", host)
		assert.Equal(t, "443", port)
		return fs, nil
	}

	addr, stop := startTestFront(t, open)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "200")

	// blank line terminating the (empty) response header block
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	buf := make([]byte, len("hello from origin"))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello from origin", string(buf))
}

func TestPlainHTTPForwardsRequestAndRelaysResponse(t *testing.T) {
	fs := &fakeStream{}
	fs.push([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))

	open := func(ctx context.Context, host, port string) (StreamHandle, error) {
		assert.Equal(t, "httpbin.org", host)
		assert.Equal(t, "80", port)
		return fs, nil
	}

	addr, stop := startTestFront(t, open)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodGet, "http://httpbin.org/", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(conn))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, _ := conn.Read(buf)
	assert.Contains(t, string(buf[:n]), "200 OK")

	fs.mu.Lock()
	sent := string(fs.written)
	fs.mu.Unlock()
	assert.Contains(t, sent, "GET / HTTP/1.1")
	assert.Contains(t, sent, "Host: httpbin.org")
}

func TestDialFailureReturns500(t *testing.T) {
	open := func(ctx context.Context, host, port string) (StreamHandle, error) {
		return nil, assertErr{}
	}

	addr, stop := startTestFront(t, open)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "500")
}

func TestMalformedRequestLineReturns400(t *testing.T) {
	open := func(ctx context.Context, host, port string) (StreamHandle, error) {
		t.Fatal("dial should not be attempted for a malformed request")
		return nil, nil
	}

	addr, stop := startTestFront(t, open)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not a valid request line at all\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "400")
}

type assertErr struct{}

func (assertErr) Error() string { return "dial failed" }
