// Package relayclient implements the relay's companion client: it connects
// to a relay server, prints every line the server sends, and forwards every
// console line to the server.
package relayclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-relay/linebuf"
	"github.com/cyberinferno/go-relay/logger"
)

// ExitCommand is the console line that disconnects the client.
const ExitCommand = "exit"

var (
	// ErrConnectionLost is returned by Run when the server ends the connection.
	ErrConnectionLost = errors.New("lost connection with server")
	// ErrClientClosed is returned by operations on a closed client.
	ErrClientClosed = errors.New("client is closed")
	// ErrNotConnected is returned by operations that need a connection.
	ErrNotConnected = errors.New("not connected")
)

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected
	Connecting                          // Connection attempt in progress
	Connected                           // Connected to the server
	Closed                              // Closed for good
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent describes a state change.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The configured server address
	Timestamp time.Time       // When the state changed
	Error     error           // Non-nil if the change was caused by an error
}

// ConnectionStateHandler is called synchronously on every state change.
type ConnectionStateHandler func(event ConnectionStateEvent)

// Config holds the client settings.
type Config struct {
	// Address is the server "host:port".
	Address string
	// RetryInterval is the pause between connection attempts.
	RetryInterval time.Duration
	// MaxRetries limits retries after the first failed attempt; 0 retries forever.
	MaxRetries int
	// ConnectionTimeout bounds a single connection attempt.
	ConnectionTimeout time.Duration
	// WriteTimeout bounds a single send; 0 means no timeout.
	WriteTimeout time.Duration
	// MaxLineSize is the line buffer capacity for both directions.
	MaxLineSize int
	// ResolveTTL is how long a resolved server address is reused.
	ResolveTTL time.Duration
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" of the relay server
//
// Returns:
//   - A Config with defaults: RetryInterval 1s, unlimited retries,
//     ConnectionTimeout 10s, WriteTimeout 10s, MaxLineSize 1000, ResolveTTL 1m
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		RetryInterval:     time.Second,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxLineSize:       1000,
		ResolveTTL:        time.Minute,
	}
}

// Option configures optional collaborators of a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithResolver replaces the default caching resolver.
func WithResolver(r *Resolver) Option {
	return func(c *Client) {
		c.resolver = r
	}
}

// Client is a relay client. It is safe for concurrent use.
type Client struct {
	config   Config
	logger   logger.Logger
	resolver *Resolver

	mu                sync.RWMutex
	conn              net.Conn
	state             ConnectionState
	closed            bool
	onConnectionState ConnectionStateHandler

	writeMu sync.Mutex
}

// New creates a Client in Disconnected state; call Connect next.
//
// Parameters:
//   - cfg: Client settings (see DefaultConfig)
//   - opts: Optional collaborators
//
// Returns:
//   - A new Client
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		config: cfg,
		state:  Disconnected,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = logger.NewNopLogger()
	}

	if c.resolver == nil {
		c.resolver = NewResolver(cfg.ResolveTTL, nil)
	}

	c.logger = c.logger.With(logger.F("server", cfg.Address))
	return c
}

// OnConnectionState registers the handler for state changes, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials the server, retrying every RetryInterval until it succeeds,
// ctx is done, or MaxRetries retries have failed.
//
// Parameters:
//   - ctx: Cancelling it abandons the attempts
//
// Returns:
//   - nil once connected; ErrClientClosed, ctx.Err(), or the last dial error otherwise
func (c *Client) Connect(ctx context.Context) error {
	failures := 0
	for {
		if c.isClosed() {
			return ErrClientClosed
		}

		err := c.dial(ctx)
		if err == nil {
			return nil
		}

		c.setState(Disconnected, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		if c.config.MaxRetries > 0 && failures > c.config.MaxRetries {
			return fmt.Errorf("connect to %s after %d attempts: %w", c.config.Address, failures, err)
		}

		c.logger.Debug("connection attempt failed", logger.F("attempt", failures), logger.Err(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.RetryInterval):
		}
	}
}

func (c *Client) dial(ctx context.Context) error {
	c.setState(Connecting, nil)

	addr, err := c.resolver.Resolve(ctx, c.config.Address)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)
	c.logger.Info("connected", logger.F("addr", conn.RemoteAddr().String()))
	return nil
}

// Run relays until the session ends: lines from the server are written to
// out, one per line, and lines read from console are sent to the server.
// The console line "exit", or the end of console input, closes the
// connection. Send failures are logged and do not end the session.
//
// Run does not interrupt a blocked console read; a console that never
// returns keeps its reading goroutine alive until the process exits.
//
// Parameters:
//   - ctx: Cancelling it closes the connection
//   - console: Operator input
//   - out: Receives every server line followed by a newline
//
// Returns:
//   - nil after "exit" or end of console input
//   - ErrConnectionLost if the server closed the connection
//   - ctx.Err() if ctx was cancelled
func (c *Client) Run(ctx context.Context, console io.Reader, out io.Writer) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	errCh := make(chan error, 2)
	go func() { errCh <- c.readLoop(conn, out) }()
	go func() { errCh <- c.consoleLoop(console) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if closeErr := c.Close(); closeErr != nil {
		c.logger.Debug("close failed", logger.Err(closeErr))
	}

	return err
}

// Send writes line followed by a newline to the server.
//
// Parameters:
//   - line: The line content without terminator
//
// Returns:
//   - ErrClientClosed, ErrNotConnected, or the write error
func (c *Client) Send(line []byte) error {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClientClosed
	}

	if conn == nil {
		return ErrNotConnected
	}

	msg := make([]byte, 0, len(line)+1)
	msg = append(append(msg, line...), linebuf.Terminator)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	_, err := conn.Write(msg)
	return err
}

// Close closes the connection and moves the client to Closed. Idempotent.
//
// Returns:
//   - The error from closing the connection on the first call, nil afterwards
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.setState(Closed, nil)
	return err
}

func (c *Client) readLoop(conn net.Conn, out io.Writer) error {
	lines := linebuf.New(c.config.MaxLineSize)
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		lines.Write(buf[:n], func(line []byte) {
			_, _ = out.Write(append(line, linebuf.Terminator))
		})

		if err != nil {
			if c.isClosed() {
				return nil
			}

			if errors.Is(err, io.EOF) {
				return ErrConnectionLost
			}

			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
}

func (c *Client) consoleLoop(console io.Reader) error {
	lines := linebuf.New(c.config.MaxLineSize)
	br := bufio.NewReader(console)
	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read console: %w", err)
		}

		line, ok := lines.Feed(b)
		if !ok {
			continue
		}

		if string(line) == ExitCommand {
			return nil
		}

		if err := c.Send(line); err != nil {
			if errors.Is(err, ErrClientClosed) {
				return nil
			}

			c.logger.Warn("error sending message to server", logger.Err(err))
		}
	}
}

func (c *Client) currentConn() net.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}
