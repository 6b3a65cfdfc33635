package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncBuffer is a console sink safe for concurrent writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeConn is an in-memory registry.Conn recording writes.
type fakeConn struct {
	mu       sync.Mutex
	addr     string
	out      bytes.Buffer
	closed   bool
	writeErr error
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr}
}

func (c *fakeConn) Read(p []byte) (int, error) { return 0, errors.New("not readable") }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.out.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	addr, _ := net.ResolveTCPAddr("tcp", c.addr)
	return addr
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

// stallConn is a peer that never reads: writes block until Close.
type stallConn struct {
	*fakeConn
	release chan struct{}
	once    sync.Once
}

func newStallConn(addr string) *stallConn {
	return &stallConn{fakeConn: newFakeConn(addr), release: make(chan struct{})}
}

func (c *stallConn) Write(p []byte) (int, error) {
	<-c.release
	return 0, net.ErrClosed
}

func (c *stallConn) Close() error {
	c.once.Do(func() { close(c.release) })
	return c.fakeConn.Close()
}

// fakeBridge records published lines and lets tests inject remote ones.
type fakeBridge struct {
	mu        sync.Mutex
	published []string
	incoming  chan []byte
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{incoming: make(chan []byte, 8)}
}

func (b *fakeBridge) Publish(_ context.Context, msg []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, string(msg))
	return nil
}

func (b *fakeBridge) Subscribe(ctx context.Context, deliver func(msg []byte)) error {
	for {
		select {
		case msg := <-b.incoming:
			deliver(msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *fakeBridge) Published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) label() string {
	return c.conn.LocalAddr().String()
}

func (c *testClient) send(t *testing.T, data string) {
	t.Helper()
	_, err := c.conn.Write([]byte(data))
	require.NoError(t, err)
}

func (c *testClient) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := c.reader.ReadString('\n')
	require.NoError(t, err)
	return line
}

func startServer(t *testing.T, mutate func(*Config), opts ...Option) (*Server, *syncBuffer) {
	t.Helper()
	cfg := DefaultConfig("127.0.0.1:0")
	if mutate != nil {
		mutate(&cfg)
	}

	console := &syncBuffer{}
	s := NewServer(cfg, append([]Option{WithConsole(console)}, opts...)...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s, console
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Clients().Len() == n
	}, 3*time.Second, 5*time.Millisecond)
}

func waitForConsole(t *testing.T, console *syncBuffer, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(console.String(), text)
	}, 3*time.Second, 5*time.Millisecond, "console never showed %q", text)
}
