package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hyperline/hyperline/internal/observability/log"
	"github.com/hyperline/hyperline/internal/protocol"
	"github.com/hyperline/hyperline/internal/session"
)

// servicePath is the accept path that marks a connection as a
// custom-service agent. Everything else is a normal user.
const servicePath = "/service"

// wsGreeting is sent as a plain text frame on connect, before any typed
// traffic.
const wsGreeting = "welcome to hyperline"

// handleUpgrade upgrades an HTTP request to a websocket connection and
// runs its read loop. The connection's role is derived from the accept
// path.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	role := session.RoleNormalUser
	if r.URL.Path == servicePath {
		role = session.RoleAgent
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", log.Error(err))
		return
	}

	transport := session.NewMessageTransport(wsConn, s.cfg.WriteTimeout)
	conn := session.NewConnection(role, transport, s.logger)
	s.trackPending(conn)

	s.logger.Info("Client connected",
		log.String("conn", conn.ConnID()),
		log.String("role", role.String()),
		log.String("remote", wsConn.RemoteAddr().String()))

	if err = transport.Write([]byte(wsGreeting)); err != nil {
		s.logger.Warn("Greeting write failed", log.String("conn", conn.ConnID()), log.Error(err))
	}

	go s.serveSocket(conn, transport, wsConn)
}

// serveSocket reads whole messages off the websocket; the carrier already
// delimits them, so no frame decoding happens here. A payload that fails
// to decode gets a diagnostic echoed back and the connection stays open.
func (s *Server) serveSocket(conn *session.Connection, transport *session.MessageTransport, wsConn *websocket.Conn) {
	defer func() {
		s.untrackPending(conn)
		conn.Evict()
		s.logger.Info("Client disconnected", log.String("conn", conn.ConnID()))
	}()

	for {
		msgType, payload, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket read failed", log.String("conn", conn.ConnID()), log.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			if werr := transport.Write([]byte(fmt.Sprintf("bad message: %v", err))); werr != nil {
				s.logger.Warn("Diagnostic write failed", log.String("conn", conn.ConnID()), log.Error(werr))
			}
			continue
		}
		s.disp.Dispatch(s.ctx, conn, msg)
	}
}
