package relay

import (
	"errors"
	"io"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/registry"
)

// serveClient reads the client's stream until it ends, turning every
// completed line into "[identity]: line" for the broadcast writer. Each line
// is queued before the next byte is framed, so a client's lines are relayed
// in the order they were completed.
func (s *Server) serveClient(entry *registry.Entry) {
	defer s.wg.Done()
	defer s.slots.Release(1)

	log := s.logger.With(logger.F("client", entry.Identity()))
	buf := make([]byte, s.config.ReadBufferSize)
	conn := entry.Conn()
	lines := entry.Lines()

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			stopped := false
			lines.Write(buf[:n], func(line []byte) {
				if stopped {
					return
				}

				stopped = !s.submit(message{
					data:   FormatLine(entry.Identity(), line),
					source: metrics.SourceClient,
				})
			})

			if stopped {
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !entry.Closed() {
				log.Debug("client read failed", logger.Err(err))
			}

			s.disconnect(entry)
			return
		}
	}
}

// disconnect unregisters a client whose input ended. Clients already removed
// by Stop are left alone.
func (s *Server) disconnect(entry *registry.Entry) {
	err := s.clients.Remove(entry.ID())
	if errors.Is(err, registry.ErrNotFound) {
		return
	}

	if err != nil {
		s.logger.Debug("close after disconnect failed", logger.F("client", entry.Identity()), logger.Err(err))
	}

	s.metrics.ClientDisconnected()
	s.notify("client disconnected: %s", entry.Identity())
	s.logger.Info("client disconnected", logger.F("client", entry.Identity()), logger.F("id", entry.ID()))
}
