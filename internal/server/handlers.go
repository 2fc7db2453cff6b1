package server

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/hyperline/hyperline/internal/observability/log"
	"github.com/hyperline/hyperline/internal/protocol"
	"github.com/hyperline/hyperline/internal/session"
	"github.com/hyperline/hyperline/internal/storage"
)

// registerHandlers populates the dispatcher's static registry. Every
// inbound message type gets exactly one handler; anything else falls
// through to the dispatcher's logging catch-all.
func (s *Server) registerHandlers() error {
	for msgType, handler := range map[string]func(context.Context, *session.Connection, protocol.Message) error{
		protocol.TypeLogin:         s.handleLogin,
		protocol.TypeCustomService: s.handleCustomService,
		protocol.TypeText:          s.handleText,
		protocol.TypeHeartbeat:     s.handleHeartbeat,
		protocol.TypeLogout:        s.handleLogout,
		protocol.TypeHistory:       s.handleHistory,
	} {
		if err := s.disp.Register(msgType, handler); err != nil {
			return err
		}
	}
	return nil
}

// handleLogin promotes an unauthenticated connection to registered: set
// identity, insert into the role's manager, arm the inactivity timer and
// acknowledge. Registration is all-or-nothing; a rejected login leaves
// the connection exactly as it was. After a successful registration the
// stored offline messages are replayed and a persisted pairing, if the
// peer is live, is restored.
func (s *Server) handleLogin(ctx context.Context, conn *session.Connection, msg protocol.Message) error {
	m, ok := msg.(*protocol.Login)
	if !ok {
		return errors.Errorf("unexpected message %T for login", msg)
	}

	if m.UID <= 0 {
		conn.Send(&protocol.LoginFailed{Status: protocol.StatusBadMsg, Reason: "uid must be positive"})
		return nil
	}
	if !conn.Register(m.UID, m.Name, s.managerFor(conn.Role())) {
		conn.Send(&protocol.LoginFailed{Status: protocol.StatusBadMsg, Reason: "connection already logged in"})
		return nil
	}

	mgr := s.managerFor(conn.Role())
	if displaced := mgr.Add(conn); displaced != nil && displaced != conn {
		// A later login with the same uid supersedes the old connection.
		s.logger.Info("Superseding connection",
			log.Int64("uid", m.UID),
			log.String("old_conn", displaced.ConnID()))
		displaced.Evict()
	}
	conn.ArmTimeout(s.cfg.SessionTimeout)
	s.untrackPending(conn)

	conn.Send(&protocol.LoginAck{Status: protocol.StatusOK})
	s.logger.Info("Client logged in",
		log.Int64("uid", m.UID),
		log.String("name", m.Name),
		log.String("role", conn.Role().String()))

	if err := s.replayOffline(ctx, conn); err != nil {
		s.logger.Warn("Offline replay failed", log.Int64("uid", m.UID), log.Error(err))
	}
	s.restorePairing(ctx, conn)
	return nil
}

// replayOffline sends the messages stored for conn while it was away.
func (s *Server) replayOffline(ctx context.Context, conn *session.Connection) error {
	msgs, err := s.msgs.FindOffline(ctx, conn.UID())
	if err != nil {
		return err
	}
	for _, m := range msgs {
		conn.Send(&protocol.Text{
			Sender:    m.Sender,
			Receiver:  m.Receiver,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return nil
}

// restorePairing rebinds a persisted customer/agent association when the
// other half is currently connected. The agent half is reserved again so
// it cannot be handed to another customer.
func (s *Server) restorePairing(ctx context.Context, conn *session.Connection) {
	val, ok, err := s.pairs.Get(ctx, pairKey(conn.UID()))
	if err != nil {
		s.logger.Warn("Pair lookup failed", log.Int64("uid", conn.UID()), log.Error(err))
		return
	}
	if !ok {
		return
	}
	peerUID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		s.logger.Warn("Corrupt pair record", log.Int64("uid", conn.UID()), log.String("value", val))
		return
	}

	var peerMgr *session.Manager
	if conn.Role() == session.RoleAgent {
		peerMgr = s.users
	} else {
		peerMgr = s.agents
	}
	peer, live := peerMgr.Get(peerUID)
	if !live {
		return
	}

	agentUID := peerUID
	if conn.Role() == session.RoleAgent {
		agentUID = conn.UID()
	}
	if !s.agents.Reserve(agentUID) {
		// The agent was handed to another customer in the meantime. The
		// old association is gone; rebinding now would attach the agent
		// to two customers at once.
		s.logger.Info("Pairing not restored, agent is busy",
			log.Int64("uid", conn.UID()),
			log.Int64("agent", agentUID))
		return
	}
	session.Bind(conn, peer)
	s.logger.Info("Pairing restored", log.Int64("uid", conn.UID()), log.Int64("peer", peerUID))
}

// handleCustomService picks an available agent, binds it to the requester
// in both directions and mirrors the association into the pair store under
// both keys. With no agent free the requester gets a not-found ack and
// nothing changes.
func (s *Server) handleCustomService(ctx context.Context, conn *session.Connection, _ protocol.Message) error {
	if conn.Role() != session.RoleNormalUser {
		return errors.Errorf("service request from %s connection %s", conn.Role(), conn.ConnID())
	}
	if !conn.Registered() {
		conn.Send(&protocol.CustomServiceAck{Status: protocol.StatusBadMsg})
		return nil
	}

	agent, ok := s.agents.TakeAvailable()
	if !ok {
		conn.Send(&protocol.CustomServiceAck{Status: protocol.StatusNotFound})
		return nil
	}

	session.Bind(conn, agent)

	// Mirror the association under both keys. Set is idempotent, so a
	// repeated pairing never stores twice.
	if err := s.pairs.Set(ctx, pairKey(conn.UID()), strconv.FormatInt(agent.UID(), 10)); err != nil {
		s.logger.Warn("Pair persist failed", log.Int64("uid", conn.UID()), log.Error(err))
	}
	if err := s.pairs.Set(ctx, pairKey(agent.UID()), strconv.FormatInt(conn.UID(), 10)); err != nil {
		s.logger.Warn("Pair persist failed", log.Int64("uid", agent.UID()), log.Error(err))
	}

	agent.Send(&protocol.CustomServiceReady{UID: conn.UID(), Name: conn.Name()})
	conn.Send(&protocol.CustomServiceAck{
		Status: protocol.StatusOK,
		UID:    agent.UID(),
		Name:   agent.Name(),
	})

	s.logger.Info("Pairing established",
		log.Int64("customer", conn.UID()),
		log.Int64("agent", agent.UID()))
	return nil
}

// handleText routes a chat message to the declared recipient, but only if
// that recipient is in the sender's peer table and alive. With no live
// peer the message is dropped. Delivered messages are persisted to the
// history store.
func (s *Server) handleText(ctx context.Context, conn *session.Connection, msg protocol.Message) error {
	m, ok := msg.(*protocol.Text)
	if !ok {
		return errors.Errorf("unexpected message %T for txt", msg)
	}

	conn.Touch()

	peer, bound := conn.Peer(m.Receiver)
	if !bound || peer.Closed() {
		s.logger.Debug("Dropping message with no live peer",
			log.Int64("sndr", m.Sender),
			log.Int64("recv", m.Receiver))
		return nil
	}

	peer.Send(m)

	if err := s.msgs.Save(ctx, storage.StoredMessage{
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Delivered: true,
	}); err != nil {
		return errors.Wrap(err, "failed to persist delivered message")
	}
	return nil
}

func (s *Server) handleHeartbeat(_ context.Context, conn *session.Connection, _ protocol.Message) error {
	conn.Touch()
	conn.Send(&protocol.HeartbeatAck{})
	return nil
}

func (s *Server) handleLogout(_ context.Context, conn *session.Connection, _ protocol.Message) error {
	conn.Evict()
	return nil
}

// handleHistory answers one page of the sender's stored chat history.
const defaultHistoryPage = 20

func (s *Server) handleHistory(ctx context.Context, conn *session.Connection, msg protocol.Message) error {
	m, ok := msg.(*protocol.History)
	if !ok {
		return errors.Errorf("unexpected message %T for history", msg)
	}

	count := m.Count
	if count <= 0 {
		count = defaultHistoryPage
	}

	stored, err := s.msgs.FindHistory(ctx, m.UID, m.Offset, count)
	if err != nil {
		conn.Send(&protocol.HistoryAck{Status: protocol.StatusError})
		return errors.Wrap(err, "history lookup failed")
	}

	texts := make([]protocol.Text, len(stored))
	for i, sm := range stored {
		texts[i] = protocol.Text{
			Sender:    sm.Sender,
			Receiver:  sm.Receiver,
			Content:   sm.Content,
			Timestamp: sm.Timestamp,
		}
	}
	conn.Send(&protocol.HistoryAck{Status: protocol.StatusOK, Messages: texts})
	return nil
}

func pairKey(uid int64) string {
	return fmt.Sprintf("pair:%d", uid)
}
