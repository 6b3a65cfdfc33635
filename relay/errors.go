package relay

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/go-relay/registry"
)

var (
	// ErrServerRunning is returned by Start on a server that was already started.
	ErrServerRunning = errors.New("server already running")
	// ErrServerNotRunning is returned by operations that need a started server.
	ErrServerNotRunning = errors.New("server not running")
	// ErrServerStopped is returned once the server has shut down.
	ErrServerStopped = errors.New("server stopped")
)

// StartupError is a fatal error raised while bringing the server up, such as
// an invalid configuration or a listen failure. Callers are expected to
// report it and exit.
type StartupError struct {
	Addr string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("relay startup on %q failed: %v", e.Addr, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// SendError reports a failed delivery to one client.
type SendError struct {
	ID       registry.ClientID
	Identity string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to client %s (%s): %v", e.ID, e.Identity, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
