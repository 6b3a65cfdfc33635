package relay

import (
	"errors"
	"slices"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/registry"
)

// Broadcaster delivers lines to the clients of a registry.
type Broadcaster struct {
	clients *registry.Registry
	logger  logger.Logger
	metrics *metrics.Metrics
}

// NewBroadcaster creates a Broadcaster over clients.
//
// Parameters:
//   - clients: The registry whose clients receive broadcasts
//   - l: Logger for delivery failures
//   - m: Optional metrics; may be nil
//
// Returns:
//   - A new Broadcaster
func NewBroadcaster(clients *registry.Registry, l logger.Logger, m *metrics.Metrics) *Broadcaster {
	if l == nil {
		l = logger.NewNopLogger()
	}

	return &Broadcaster{
		clients: clients,
		logger:  l,
		metrics: m,
	}
}

// Broadcast queues msg for every registered client except the excluded
// ones, in registry order, without waiting on any client's connection. A
// client that cannot take msg is logged and reported but neither stops
// delivery to the remaining clients nor is unregistered; clients leave the
// registry only when their input side disconnects.
//
// Parameters:
//   - msg: The complete message, terminator included; not modified afterwards
//   - exclude: Clients that must not receive msg
//
// Returns:
//   - The number of clients msg was queued for
//   - The joined *SendError values of failed recipients, or nil
func (b *Broadcaster) Broadcast(msg []byte, exclude ...registry.ClientID) (int, error) {
	var errs []error
	delivered := 0

	b.clients.ForEach(func(e *registry.Entry) bool {
		if slices.Contains(exclude, e.ID()) {
			return true
		}

		if err := e.Send(msg); err != nil {
			// The first write failure was already reported by the writer.
			log := b.logger.Warn
			if errors.Is(err, registry.ErrWriteFailed) {
				log = b.logger.Debug
			}

			log("send failed",
				logger.F("client", e.Identity()),
				logger.Err(err),
			)
			errs = append(errs, &SendError{ID: e.ID(), Identity: e.Identity(), Err: err})
			return true
		}

		delivered++
		return true
	})

	b.metrics.Delivered(delivered, len(errs))
	return delivered, errors.Join(errs...)
}
