package server

import (
	"net"

	"github.com/pkg/errors"

	"github.com/hyperline/hyperline/internal/observability/log"
	"github.com/hyperline/hyperline/internal/protocol"
	"github.com/hyperline/hyperline/internal/session"
)

// acceptLoop serves the raw length-prefixed transport. Connections
// accepted here are normal users; agents come in over the websocket
// service path.
func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("Accept failed", log.Error(err))
			continue
		}
		go s.serveStream(netConn)
	}
}

// serveStream runs one connection's read loop: feed raw chunks to the
// frame decoder, decode each complete frame and schedule its handling.
// Decode and validation failures drop the message and keep the connection;
// framing errors are unrecoverable and evict it.
func (s *Server) serveStream(netConn net.Conn) {
	transport := session.NewStreamTransport(netConn, s.cfg.WriteTimeout)
	conn := session.NewConnection(session.RoleNormalUser, transport, s.logger)
	s.trackPending(conn)

	s.logger.Info("Client connected",
		log.String("conn", conn.ConnID()),
		log.String("remote", netConn.RemoteAddr().String()))

	defer func() {
		s.untrackPending(conn)
		conn.Evict()
		s.logger.Info("Client disconnected", log.String("conn", conn.ConnID()))
	}()

	decoder := protocol.NewFrameDecoder(s.cfg.MaxFrameSize)
	buf := make([]byte, 4096)

	for {
		n, err := netConn.Read(buf)
		if err != nil {
			return
		}
		decoder.Feed(buf[:n])

		for {
			payload, ok, err := decoder.Next()
			if err != nil {
				// Stream alignment is lost, the connection is done.
				s.logger.Warn("Framing error", log.String("conn", conn.ConnID()), log.Error(err))
				return
			}
			if !ok {
				break
			}

			msg, err := protocol.Decode(payload)
			if err != nil {
				s.logger.Warn("Dropping undecodable message",
					log.String("conn", conn.ConnID()),
					log.Error(err))
				continue
			}
			s.disp.Dispatch(s.ctx, conn, msg)
		}
	}
}
