package relay

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxClients is the number of clients served at once by default.
	DefaultMaxClients = 5
	// DefaultMaxLineSize is the default line buffer capacity; lines are
	// force-delivered once they reach DefaultMaxLineSize-1 bytes.
	DefaultMaxLineSize = 1000

	// ShutdownCommand is the console line that stops the relay.
	ShutdownCommand = "exit"
	// ServerLabel is the sender label of console-originated lines.
	ServerLabel = "server"
)

// Config holds the relay server settings.
type Config struct {
	// Name identifies the server in log entries.
	Name string
	// Addr is the TCP listen address (e.g. ":9000").
	Addr string
	// MaxClients bounds the number of connected clients. Connections beyond
	// it wait in the listen backlog until a client leaves.
	MaxClients int
	// MaxLineSize is the capacity of each line buffer, terminator slot included.
	MaxLineSize int
	// ReadBufferSize is the size of each client read.
	ReadBufferSize int
	// QueueSize is the capacity of the queue feeding the broadcast writer.
	QueueSize int
	// ClientQueueSize is the number of lines queued for each client. A
	// client that falls this far behind misses lines until it catches up.
	ClientQueueSize int
	// WriteTimeout bounds a single write to one client; 0 means no timeout.
	// A client whose write fails is not written to again.
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - addr: The "host:port" to listen on
//
// Returns:
//   - A Config with defaults: MaxClients 5, MaxLineSize 1000, ReadBufferSize 512,
//     QueueSize 64, ClientQueueSize 64, WriteTimeout 2s
func DefaultConfig(addr string) Config {
	return Config{
		Name:            "relay",
		Addr:            addr,
		MaxClients:      DefaultMaxClients,
		MaxLineSize:     DefaultMaxLineSize,
		ReadBufferSize:  512,
		QueueSize:       64,
		ClientQueueSize: 64,
		WriteTimeout:    2 * time.Second,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.MaxClients < 1:
		return fmt.Errorf("max clients must be positive, got %d", c.MaxClients)
	case c.MaxLineSize < 2:
		return fmt.Errorf("max line size must be at least 2, got %d", c.MaxLineSize)
	case c.ReadBufferSize < 1:
		return fmt.Errorf("read buffer size must be positive, got %d", c.ReadBufferSize)
	case c.QueueSize < 0:
		return fmt.Errorf("queue size must not be negative, got %d", c.QueueSize)
	case c.ClientQueueSize < 1:
		return fmt.Errorf("client queue size must be positive, got %d", c.ClientQueueSize)
	case c.WriteTimeout < 0:
		return fmt.Errorf("write timeout must not be negative, got %s", c.WriteTimeout)
	}

	return nil
}
