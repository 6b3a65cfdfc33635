// Package wsgateway lets WebSocket clients join a relay. Each WebSocket is
// adapted into a line stream and attached to the relay's client registry,
// where it is served exactly like a TCP client.
package wsgateway

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/registry"
)

// Attacher is the part of the relay server the gateway needs.
type Attacher interface {
	Attach(conn registry.Conn) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithCheckOrigin overrides the origin check. By default cross-origin
// browser requests are refused.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(g *Gateway) {
		g.upgrader.CheckOrigin = check
	}
}

// Gateway is an http.Handler upgrading requests to WebSockets and attaching
// them to the relay.
type Gateway struct {
	relay    Attacher
	upgrader websocket.Upgrader
	logger   logger.Logger
}

// NewGateway creates a Gateway attaching connections to relay.
//
// Parameters:
//   - relay: Receives every upgraded connection
//   - opts: Optional settings
//
// Returns:
//   - A new Gateway
func NewGateway(relay Attacher, opts ...Option) *Gateway {
	g := &Gateway{
		relay: relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.logger == nil {
		g.logger = logger.NewNopLogger()
	}

	g.logger = g.logger.With(logger.F("component", "wsgateway"))
	return g
}

// ServeHTTP implements http.Handler. When the relay refuses the connection
// the client receives a close frame: 1013 (try again later) when the relay
// is full, 1001 (going away) otherwise.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", logger.F("addr", r.RemoteAddr), logger.Err(err))
		return
	}

	conn := NewConn(ws)
	if err := g.relay.Attach(conn); err != nil {
		code, reason := websocket.CloseGoingAway, "relay unavailable"
		if errors.Is(err, registry.ErrCapacityExceeded) {
			code, reason = websocket.CloseTryAgainLater, "relay full"
		}

		g.logger.Info("websocket client refused", logger.F("addr", r.RemoteAddr), logger.Err(err))
		_ = conn.CloseWith(code, reason)
	}
}
