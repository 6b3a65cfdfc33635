package registry

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cyberinferno/go-relay/linebuf"
)

// Conn is the connection a client entry owns. net.Conn satisfies it, as does
// any transport adapter that can report a remote address and bound writes.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetWriteDeadline(t time.Time) error
}

// ClientID identifies a registered client. IDs are never reused within a
// Registry, so a stale ID can never address a newer client.
type ClientID uint32

// String returns the decimal form of the id.
func (id ClientID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// WriteErrorHandler is called once, from the entry's writer goroutine, when
// a write to the client first fails.
type WriteErrorHandler func(e *Entry, err error)

// Entry is a registered client: its connection, its remote identity, the
// framing state of its input stream and its outbound queue.
//
// Outbound messages are written by a goroutine owned by the entry, so a
// client that stops reading only fills its own queue. Send and Close are
// mutually exclusive; nothing is queued after Close.
type Entry struct {
	id           ClientID
	identity     string
	conn         Conn
	lines        *linebuf.Accumulator
	out          chan []byte
	writeTimeout time.Duration
	onWriteError WriteErrorHandler
	writerDone   chan struct{}

	mu       sync.Mutex
	closed   bool
	writeErr error
}

func newEntry(id ClientID, conn Conn, identity string, maxLineSize int, o entryOptions) *Entry {
	e := &Entry{
		id:           id,
		identity:     identity,
		conn:         conn,
		lines:        linebuf.New(maxLineSize),
		out:          make(chan []byte, max(o.queueSize, 1)),
		writeTimeout: o.writeTimeout,
		onWriteError: o.onWriteError,
		writerDone:   make(chan struct{}),
	}

	go e.writeLoop()
	return e
}

// ID returns the client's handle.
func (e *Entry) ID() ClientID {
	return e.id
}

// Identity returns the client's remote identity, normally "ip:port".
func (e *Entry) Identity() string {
	return e.identity
}

// Conn returns the underlying connection for reading. Only the goroutine
// serving the client's input should read from it.
func (e *Entry) Conn() Conn {
	return e.conn
}

// Lines returns the accumulator framing the client's input. It is owned by
// the goroutine serving the client's input.
func (e *Entry) Lines() *linebuf.Accumulator {
	return e.lines
}

// Send queues p for the client's writer goroutine without blocking. p must
// not be modified afterwards.
//
// Parameters:
//   - p: The bytes to write
//
// Returns:
//   - ErrClosed if the entry was closed
//   - ErrWriteFailed if an earlier write to the client failed
//   - ErrQueueFull if the client has not drained its queue
func (e *Entry) Send(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if e.writeErr != nil {
		return fmt.Errorf("send to %s: %w: %v", e.identity, ErrWriteFailed, e.writeErr)
	}

	select {
	case e.out <- p:
		return nil
	default:
		return fmt.Errorf("send to %s: %w", e.identity, ErrQueueFull)
	}
}

// Pending returns the number of queued messages not yet written.
func (e *Entry) Pending() int {
	return len(e.out)
}

// Close closes the connection, which also aborts a write in progress, and
// waits for the writer goroutine to exit. Queued messages are dropped. Safe
// to call multiple times; only the first call closes the connection.
//
// Returns:
//   - The error from closing the connection on the first call, nil afterwards
func (e *Entry) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}

	e.closed = true
	close(e.out)
	e.mu.Unlock()

	err := e.conn.Close()
	<-e.writerDone
	return err
}

// Closed reports whether Close has been called.
func (e *Entry) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// WriteErr returns the first write failure, or nil.
func (e *Entry) WriteErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeErr
}

// discard stops the writer of an entry that never made it into the registry.
// The connection stays open; the caller still owns it.
func (e *Entry) discard() {
	e.mu.Lock()
	e.closed = true
	close(e.out)
	e.mu.Unlock()
	<-e.writerDone
}

// writeLoop writes queued messages in order. After the first failure the
// stream may hold a partial message, so nothing more is written to it.
func (e *Entry) writeLoop() {
	defer close(e.writerDone)

	for msg := range e.out {
		if e.failed() {
			continue
		}

		if err := e.write(msg); err != nil {
			e.mu.Lock()
			closed := e.closed
			if !closed {
				e.writeErr = err
			}
			e.mu.Unlock()

			if !closed && e.onWriteError != nil {
				e.onWriteError(e, err)
			}
		}
	}
}

func (e *Entry) failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed || e.writeErr != nil
}

func (e *Entry) write(p []byte) error {
	if e.writeTimeout > 0 {
		if err := e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	if _, err := e.conn.Write(p); err != nil {
		return fmt.Errorf("write to %s: %w", e.identity, err)
	}

	return nil
}
