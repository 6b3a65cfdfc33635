package registry

import "errors"

var (
	// ErrCapacityExceeded is returned by Add when the registry already holds
	// its maximum number of clients.
	ErrCapacityExceeded = errors.New("client capacity exceeded")

	// ErrNotFound is returned when a ClientID is not (or no longer) registered.
	ErrNotFound = errors.New("client not found")

	// ErrClosed is returned by Entry.Send once the entry's connection is closed.
	ErrClosed = errors.New("client connection closed")

	// ErrQueueFull is returned by Entry.Send when the client's outbound
	// queue is full because the client is not reading.
	ErrQueueFull = errors.New("client outbound queue full")

	// ErrWriteFailed is returned by Entry.Send once a write to the client
	// has failed; the client is no longer written to.
	ErrWriteFailed = errors.New("client write failed")
)
