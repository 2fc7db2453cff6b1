package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hyperline/hyperline/internal/config"
	"github.com/hyperline/hyperline/internal/dispatch"
	"github.com/hyperline/hyperline/internal/observability/log"
	"github.com/hyperline/hyperline/internal/session"
	"github.com/hyperline/hyperline/internal/storage"
)

// Server is the composition root: it owns the two per-role connection
// managers, the dispatcher, the transport listeners and the injected
// persistence collaborators. No component reaches for ambient globals;
// everything is passed in here.
type Server struct {
	cfg    *config.Config
	logger log.Log

	users  *session.Manager
	agents *session.Manager
	disp   *dispatch.Dispatcher

	msgs  storage.MessageStore
	pairs storage.PairStore

	tcpLn    net.Listener
	wsLn     net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	group   *errgroup.Group
	running int32
	ctx     context.Context
	cancel  context.CancelFunc

	// Accepted-but-unregistered connections, so Stop can close them too.
	pendingMu sync.Mutex
	pending   map[string]*session.Connection
}

// New wires the server together. The stores arrive already connected.
func New(cfg *config.Config, logger log.Log, msgs storage.MessageStore, pairs storage.PairStore) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger.With(log.String("component", "server")),
		users:  session.NewManager("users", logger, time.Now().UnixNano()),
		agents: session.NewManager("agents", logger, time.Now().UnixNano()+1),
		disp:   dispatch.New(logger),
		msgs:   msgs,
		pairs:  pairs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pending: make(map[string]*session.Connection),
	}

	if err := s.registerHandlers(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start binds both listeners and begins accepting. It returns once the
// listeners are bound; serving continues until Stop.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return errors.New("server is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group, _ = errgroup.WithContext(s.ctx)

	tcpAddr := net.JoinHostPort(s.cfg.TCP.Host, strconv.Itoa(s.cfg.TCP.Port))
	tcpLn, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return errors.Wrapf(err, "failed to bind raw listener on %s", tcpAddr)
	}
	s.tcpLn = tcpLn

	wsAddr := net.JoinHostPort(s.cfg.WS.Host, strconv.Itoa(s.cfg.WS.Port))
	wsLn, err := net.Listen("tcp", wsAddr)
	if err != nil {
		_ = tcpLn.Close()
		atomic.StoreInt32(&s.running, 0)
		return errors.Wrapf(err, "failed to bind websocket listener on %s", wsAddr)
	}
	s.wsLn = wsLn

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	mux.HandleFunc("/service", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}

	s.group.Go(func() error { return s.acceptLoop(tcpLn) })
	s.group.Go(func() error {
		if err := s.httpSrv.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.logger.Info("Server started",
		log.String("tcp_addr", tcpLn.Addr().String()),
		log.String("ws_addr", wsLn.Addr().String()))
	return nil
}

// Stop shuts down both listeners, evicts every live connection and waits
// for in-flight dispatches to drain.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return errors.New("server is not running")
	}

	s.cancel()
	_ = s.tcpLn.Close()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown failed", log.Error(err))
	}

	for _, conn := range s.users.All() {
		conn.Evict()
	}
	for _, conn := range s.agents.All() {
		conn.Evict()
	}
	s.pendingMu.Lock()
	for _, conn := range s.pending {
		conn.Evict()
	}
	s.pending = make(map[string]*session.Connection)
	s.pendingMu.Unlock()

	s.disp.Wait()
	err := s.group.Wait()

	s.logger.Info("Server stopped")
	return err
}

// TCPAddr reports the bound raw-listener address. Nil before Start.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// WSAddr reports the bound websocket-listener address. Nil before Start.
func (s *Server) WSAddr() net.Addr {
	if s.wsLn == nil {
		return nil
	}
	return s.wsLn.Addr()
}

// Users exposes the normal-user registry for diagnostics.
func (s *Server) Users() *session.Manager { return s.users }

// Agents exposes the agent registry for diagnostics.
func (s *Server) Agents() *session.Manager { return s.agents }

func (s *Server) managerFor(role session.Role) *session.Manager {
	if role == session.RoleAgent {
		return s.agents
	}
	return s.users
}

func (s *Server) trackPending(conn *session.Connection) {
	s.pendingMu.Lock()
	s.pending[conn.ConnID()] = conn
	s.pendingMu.Unlock()
}

func (s *Server) untrackPending(conn *session.Connection) {
	s.pendingMu.Lock()
	delete(s.pending, conn.ConnID())
	s.pendingMu.Unlock()
}
