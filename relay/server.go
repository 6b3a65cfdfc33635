// Package relay implements the line relay server: it accepts TCP clients,
// frames their input into lines, and rebroadcasts every line, together with
// lines typed on the server console, to all connected clients.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cyberinferno/go-relay/linebuf"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/registry"
)

const acceptRetryDelay = 50 * time.Millisecond

// State is the lifecycle state of a Server.
type State int32

const (
	StateIdle         State = iota // Created, Start not called yet
	StateListening                 // Listening, no client accepted yet
	StateActive                    // Serving clients
	StateShuttingDown              // Stop in progress
	StateStopped                   // Terminal
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StateActive:
		return "Active"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Bridge links the relay to other relay instances. Lines broadcast locally
// are published; lines received from other instances are broadcast locally
// without being published again.
type Bridge interface {
	// Publish hands a formatted, terminated line to the other instances.
	Publish(ctx context.Context, msg []byte) error
	// Subscribe calls deliver for every line published by another instance
	// until ctx is cancelled.
	Subscribe(ctx context.Context, deliver func(msg []byte)) error
}

// Option configures optional collaborators of a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithConsole sets the sink for relayed lines and connection notices.
func WithConsole(w io.Writer) Option {
	return func(s *Server) {
		s.console = w
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithBridge links the server to other instances.
func WithBridge(b Bridge) Option {
	return func(s *Server) {
		s.bridge = b
	}
}

type message struct {
	data    []byte
	source  string
	exclude []registry.ClientID
}

// Server is the relay server. Each client is served by its own goroutine;
// every completed line goes through a single writer goroutine, so all
// clients and the console observe the same order of lines.
type Server struct {
	config      Config
	logger      logger.Logger
	console     io.Writer
	consoleMu   sync.Mutex
	metrics     *metrics.Metrics
	bridge      Bridge
	clients     *registry.Registry
	broadcaster *Broadcaster
	slots       *semaphore.Weighted

	listener   net.Listener
	state      atomic.Int32
	queue      chan message
	ctx        context.Context
	cancel     context.CancelFunc
	writerDone chan struct{}
	done       chan struct{}

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewServer creates a Server; call Start to begin listening.
//
// Parameters:
//   - cfg: Server settings (see DefaultConfig)
//   - opts: Optional collaborators
//
// Returns:
//   - A new, idle Server
func NewServer(cfg Config, opts ...Option) *Server {
	s := &Server{
		config:     cfg,
		console:    io.Discard,
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logger.NewNopLogger()
	}

	if cfg.Name == "" {
		s.config.Name = "relay"
	}

	s.logger = s.logger.With(logger.F("server", s.config.Name))
	s.clients = registry.New(cfg.MaxClients, cfg.MaxLineSize,
		registry.WithQueueSize(cfg.ClientQueueSize),
		registry.WithWriteTimeout(cfg.WriteTimeout),
		registry.WithWriteErrorHandler(s.writeFailed),
	)
	s.broadcaster = NewBroadcaster(s.clients, s.logger, s.metrics)
	s.slots = semaphore.NewWeighted(int64(s.clients.Cap()))
	s.queue = make(chan message, max(cfg.QueueSize, 0))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start validates the configuration, binds the listen address and starts
// the accept loop and the broadcast writer.
//
// Returns:
//   - ErrServerRunning or ErrServerStopped when called twice
//   - A *StartupError if the configuration is invalid or listening fails
func (s *Server) Start() error {
	switch s.State() {
	case StateIdle:
	case StateShuttingDown, StateStopped:
		return ErrServerStopped
	default:
		return ErrServerRunning
	}

	if err := s.config.Validate(); err != nil {
		return &StartupError{Addr: s.config.Addr, Err: err}
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.logger.Error("server failed to start", logger.Err(err))
		return &StartupError{Addr: s.config.Addr, Err: err}
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.setState(StateListening)

	s.notify("server is listening at %s", ln.Addr())
	s.notify("type any message and press enter to send to all clients")
	s.notify("special commands are:")
	s.notify("    %q: shuts down the server", ShutdownCommand)
	s.logger.Info(fmt.Sprintf("%s server started", s.config.Name), logger.F("addr", ln.Addr().String()))

	go s.writeLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	if s.bridge != nil {
		s.wg.Add(1)
		go s.bridgeLoop()
	}

	return nil
}

// Stop shuts the server down: it stops accepting, closes the listener and
// every client connection, and waits for all goroutines. A failure to close
// one connection does not prevent closing the others. Safe to call more than
// once; later calls return the first call's result.
//
// Returns:
//   - The joined close errors, or nil
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		started := s.State() != StateIdle
		s.setState(StateShuttingDown)
		s.cancel()

		var errs []error
		if ln := s.currentListener(); ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("close listener: %w", err))
			}
		}

		if err := s.clients.CloseAll(); err != nil {
			s.logger.Warn("failed to close some clients", logger.Err(err))
			errs = append(errs, err)
		}

		s.wg.Wait()
		if started {
			<-s.writerDone
		}

		s.metrics.Reset()
		s.stopErr = errors.Join(errs...)
		s.setState(StateStopped)
		close(s.done)
		s.logger.Info(fmt.Sprintf("%s server stopped", s.config.Name))
	})

	return s.stopErr
}

// Done returns a channel closed once the server has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	ln := s.currentListener()
	if ln == nil {
		return nil
	}

	return ln.Addr()
}

// Clients returns the client registry.
func (s *Server) Clients() *registry.Registry {
	return s.clients
}

// Broadcaster returns the broadcaster used by the writer.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Attach registers a connection accepted outside the TCP listener, such as
// a WebSocket, and serves it like any other client.
//
// Parameters:
//   - conn: The connection; on success the server owns it
//
// Returns:
//   - registry.ErrCapacityExceeded when the relay is full
//   - ErrServerNotRunning or ErrServerStopped outside the running states
func (s *Server) Attach(conn registry.Conn) error {
	if s.State() == StateIdle {
		return ErrServerNotRunning
	}

	if !s.slots.TryAcquire(1) {
		s.metrics.ClientRejected()
		return fmt.Errorf("attach %s: %w", conn.RemoteAddr(), registry.ErrCapacityExceeded)
	}

	if err := s.register(conn); err != nil {
		s.slots.Release(1)
		return err
	}

	return nil
}

// ServeConsole reads operator input from r. The line "exit" stops the server;
// any other line is broadcast as "[server]: line" to every client and echoed
// to the console sink. ServeConsole returns when the server stops or r is
// exhausted; an exhausted console leaves the server running.
//
// Parameters:
//   - r: The console input
//
// Returns:
//   - The result of Stop after the shutdown command, nil on end of input, or a read error
func (s *Server) ServeConsole(r io.Reader) error {
	if s.State() == StateIdle {
		return ErrServerNotRunning
	}

	lines := linebuf.New(s.config.MaxLineSize)
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("console input closed")
				return nil
			}

			return fmt.Errorf("read console: %w", err)
		}

		line, ok := lines.Feed(b)
		if !ok {
			continue
		}

		if string(line) == ShutdownCommand {
			s.notify("shutting down server...")
			return s.Stop()
		}

		if !s.submit(message{data: FormatLine(ServerLabel, line), source: metrics.SourceServer}) {
			return ErrServerStopped
		}
	}
}

func (s *Server) setState(state State) {
	s.state.Store(int32(state))
}

// acceptLoop waits for a free client slot before every Accept, so
// connections beyond MaxClients stay in the listen backlog until a client
// leaves. The slot is only taken once a connection has been accepted, which
// leaves every free slot available to Attach while the loop is idle.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	ln := s.currentListener()
	for {
		if err := s.slots.Acquire(s.ctx, 1); err != nil {
			return
		}
		s.slots.Release(1)

		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Warn(fmt.Sprintf("%s server accept error", s.config.Name), logger.Err(err))
			select {
			case <-time.After(acceptRetryDelay):
			case <-s.ctx.Done():
				return
			}

			continue
		}

		s.admit(conn)
	}
}

// admit registers a connection taken from the listener. An attached client
// may have taken the last slot since the loop checked for room; the
// connection is then refused rather than held without service.
func (s *Server) admit(conn registry.Conn) {
	addr := conn.RemoteAddr().String()
	if !s.slots.TryAcquire(1) {
		s.metrics.ClientRejected()
		s.logger.Info("client refused, relay full", logger.F("addr", addr))
		_ = conn.Close()
		return
	}

	if err := s.register(conn); err != nil {
		s.slots.Release(1)
		s.logger.Warn("client refused", logger.F("addr", addr), logger.Err(err))
		_ = conn.Close()
	}
}

// writeFailed reports a client whose connection stopped taking writes. The
// client stays registered until its input side ends.
func (s *Server) writeFailed(e *registry.Entry, err error) {
	s.metrics.Delivered(0, 1)
	s.logger.Warn("client write failed, no longer writing to it",
		logger.F("client", e.Identity()),
		logger.Err(err),
	)
}

func (s *Server) currentListener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// register adds conn to the registry and starts serving it. The caller
// holds a client slot, released by the session on exit.
func (s *Server) register(conn registry.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return ErrServerStopped
	}

	id, err := s.clients.Add(conn, "")
	if err != nil {
		s.metrics.ClientRejected()
		return err
	}

	entry, _ := s.clients.Get(id)
	s.state.CompareAndSwap(int32(StateListening), int32(StateActive))
	s.metrics.ClientConnected()
	s.notify("client connected: %s", entry.Identity())
	s.logger.Info("client connected", logger.F("client", entry.Identity()), logger.F("id", id))

	s.wg.Add(1)
	go s.serveClient(entry)
	return nil
}

// submit queues msg for the broadcast writer. It reports false once the
// server is shutting down.
func (s *Server) submit(msg message) bool {
	select {
	case s.queue <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Server) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case msg := <-s.queue:
			s.deliver(msg)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) deliver(msg message) {
	s.consoleMu.Lock()
	_, _ = s.console.Write(msg.data)
	s.consoleMu.Unlock()

	s.metrics.LineRelayed(msg.source)
	if _, err := s.broadcaster.Broadcast(msg.data, msg.exclude...); err != nil {
		s.logger.Debug("broadcast incomplete", logger.Err(err))
	}

	if s.bridge == nil || msg.source == metrics.SourceBridge {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.publishTimeout())
	defer cancel()
	if err := s.bridge.Publish(ctx, msg.data); err != nil {
		s.logger.Warn("bridge publish failed", logger.Err(err))
	}
}

func (s *Server) publishTimeout() time.Duration {
	if s.config.WriteTimeout > 0 {
		return s.config.WriteTimeout
	}

	return 2 * time.Second
}

func (s *Server) bridgeLoop() {
	defer s.wg.Done()

	err := s.bridge.Subscribe(s.ctx, func(msg []byte) {
		if !bytes.HasSuffix(msg, []byte{linebuf.Terminator}) {
			msg = append(msg, linebuf.Terminator)
		}

		s.submit(message{data: msg, source: metrics.SourceBridge})
	})

	if err != nil && s.ctx.Err() == nil {
		s.logger.Error("bridge subscription ended", logger.Err(err))
	}
}

// notify writes a "[log] ..." notice to the console sink.
func (s *Server) notify(format string, args ...any) {
	s.consoleMu.Lock()
	defer s.consoleMu.Unlock()
	_, _ = fmt.Fprintf(s.console, "[log] "+format+"\n", args...)
}
