// Package registry keeps the set of connected relay clients. Each client is
// held in an Entry that owns the connection and the client's line framing
// state. The registry is bounded: once it holds its maximum number of
// clients, further registrations fail with ErrCapacityExceeded.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-relay/safemap"
)

// DefaultQueueSize is the per-client outbound queue capacity.
const DefaultQueueSize = 64

type entryOptions struct {
	queueSize    int
	writeTimeout time.Duration
	onWriteError WriteErrorHandler
}

// Option configures how a Registry's entries write to their clients.
type Option func(*entryOptions)

// WithQueueSize sets the number of messages queued per client before Send
// reports ErrQueueFull.
func WithQueueSize(n int) Option {
	return func(o *entryOptions) {
		o.queueSize = n
	}
}

// WithWriteTimeout bounds each write to a client; 0 means no timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *entryOptions) {
		o.writeTimeout = d
	}
}

// WithWriteErrorHandler sets the handler told about each client's first
// failed write.
func WithWriteErrorHandler(h WriteErrorHandler) Option {
	return func(o *entryOptions) {
		o.onWriteError = h
	}
}

// Registry is the live set of connected clients, enumerated in the order
// they were added. It is safe for concurrent use.
type Registry struct {
	clients     *safemap.SafeMap[ClientID, *Entry]
	lastID      atomic.Uint32
	maxClients  int
	maxLineSize int
	entryOpts   entryOptions
}

// New creates an empty Registry.
//
// Parameters:
//   - maxClients: The maximum number of clients held at once; values below 1 are raised to 1
//   - maxLineSize: Capacity of each client's line accumulator (see linebuf.New)
//   - opts: Outbound write settings for every entry
//
// Returns:
//   - A new Registry
func New(maxClients int, maxLineSize int, opts ...Option) *Registry {
	if maxClients < 1 {
		maxClients = 1
	}

	o := entryOptions{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}

	return &Registry{
		clients:     safemap.NewSafeMap[ClientID, *Entry](),
		maxClients:  maxClients,
		maxLineSize: maxLineSize,
		entryOpts:   o,
	}
}

// Add registers conn under identity and returns its handle. An empty
// identity defaults to the connection's remote address.
//
// Parameters:
//   - conn: The client's connection; the registry owns it from now on
//   - identity: The client's label, normally "ip:port"
//
// Returns:
//   - The new client's ID
//   - ErrCapacityExceeded if the registry is full; the registry is unchanged
func (r *Registry) Add(conn Conn, identity string) (ClientID, error) {
	if identity == "" && conn.RemoteAddr() != nil {
		identity = conn.RemoteAddr().String()
	}

	id := ClientID(r.lastID.Add(1))
	entry := newEntry(id, conn, identity, r.maxLineSize, r.entryOpts)
	if !r.clients.TryStore(id, entry, r.maxClients) {
		entry.discard()
		return 0, fmt.Errorf("register %s: %w (max %d)", identity, ErrCapacityExceeded, r.maxClients)
	}

	return id, nil
}

// Remove unregisters the client and closes its connection.
//
// Parameters:
//   - id: The client to remove
//
// Returns:
//   - ErrNotFound if the client was already removed, or the close error
func (r *Registry) Remove(id ClientID) error {
	entry, found := r.clients.LoadAndDelete(id)
	if !found {
		return fmt.Errorf("remove client %s: %w", id, ErrNotFound)
	}

	return entry.Close()
}

// Get returns the entry for id.
func (r *Registry) Get(id ClientID) (*Entry, bool) {
	return r.clients.Load(id)
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return r.clients.Len()
}

// Cap returns the maximum number of clients.
func (r *Registry) Cap() int {
	return r.maxClients
}

// Full reports whether the registry is at capacity.
func (r *Registry) Full() bool {
	return r.Len() >= r.maxClients
}

// ForEach calls fn for every registered client in insertion order until fn
// returns false. It walks a snapshot, so fn may add or remove clients;
// clients closed before fn reaches them are skipped.
//
// Parameters:
//   - fn: Function called for each client; return false to stop
func (r *Registry) ForEach(fn func(e *Entry) bool) {
	r.clients.Range(func(_ ClientID, e *Entry) bool {
		if e.Closed() {
			return true
		}

		return fn(e)
	})
}

// CloseAll removes every client and closes its connection. A failure to
// close one connection does not stop the others from being closed.
//
// Returns:
//   - The joined close errors, or nil
func (r *Registry) CloseAll() error {
	var errs []error
	for _, e := range r.clients.Values() {
		if _, found := r.clients.LoadAndDelete(e.id); !found {
			continue
		}

		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.identity, err))
		}
	}

	return errors.Join(errs...)
}
