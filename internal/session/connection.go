package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hyperline/hyperline/internal/observability/log"
	"github.com/hyperline/hyperline/internal/protocol"
)

// Role identifies which accept path a connection arrived on.
type Role uint8

const (
	RoleNormalUser Role = iota
	RoleAgent
)

func (r Role) String() string {
	if r == RoleAgent {
		return "agent"
	}
	return "user"
}

// DefaultTimeout is the inactivity window after which an idle connection
// is evicted. Clients are expected to heartbeat every 5 minutes.
const DefaultTimeout = 30 * time.Minute

// Connection is the per-socket state for one live client. It is created
// unauthenticated on accept, promoted to registered on a successful login
// (identity set exactly once, inserted into its role's Manager, timer
// armed) and destroyed through Evict, which all teardown paths share.
type Connection struct {
	connID    string
	role      Role
	transport Transport
	logger    log.Log

	mu      sync.Mutex
	uid     int64
	name    string
	mgr     *Manager
	timer   *time.Timer
	timeout time.Duration

	peersMu sync.RWMutex
	peers   map[int64]*Connection

	registered int32
	closed     int32
}

func NewConnection(role Role, transport Transport, logger log.Log) *Connection {
	id := uuid.New().String()
	return &Connection{
		connID:    id,
		role:      role,
		transport: transport,
		logger:    logger.With(log.String("conn", id), log.String("role", role.String())),
		peers:     make(map[int64]*Connection),
	}
}

// ConnID returns the transport-level identity assigned on accept.
func (c *Connection) ConnID() string { return c.connID }

func (c *Connection) Role() Role { return c.role }

func (c *Connection) UID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Connection) Registered() bool {
	return atomic.LoadInt32(&c.registered) == 1
}

func (c *Connection) Closed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Register sets the connection's identity and owning manager. The identity
// is set exactly once; a second call reports false and changes nothing.
// The caller adds the connection to the manager and arms the timer.
func (c *Connection) Register(uid int64, name string, mgr *Manager) bool {
	if !atomic.CompareAndSwapInt32(&c.registered, 0, 1) {
		return false
	}
	c.mu.Lock()
	c.uid = uid
	c.name = name
	c.mgr = mgr
	c.mu.Unlock()
	c.logger = c.logger.With(log.Int64("uid", uid))
	return true
}

// Send serializes a message and writes it through the transport. Chat
// delivery is best-effort: a closed or broken transport only logs.
func (c *Connection) Send(msg protocol.Message) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("Message encode failed", log.String("type", msg.Type()), log.Error(err))
		return
	}
	if err = c.transport.Write(payload); err != nil {
		c.logger.Warn("Transport write failed", log.String("type", msg.Type()), log.Error(err))
	}
}

// ArmTimeout schedules eviction after d of inactivity, cancelling any
// previously armed timer.
func (c *Connection) ArmTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timeout = d
	c.timer = time.AfterFunc(d, func() {
		c.logger.Info("Connection timed out", log.Duration("timeout", d))
		c.Evict()
	})
}

// Touch renews the inactivity timer with its current duration. Called on
// every heartbeat and on every chat message.
func (c *Connection) Touch() {
	c.mu.Lock()
	d := c.timeout
	c.mu.Unlock()
	if d <= 0 {
		return // timer was never armed
	}
	c.ArmTimeout(d)
}

// Peer returns the paired connection registered under uid, if any.
func (c *Connection) Peer(uid int64) (*Connection, bool) {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	peer, ok := c.peers[uid]
	return peer, ok
}

// PeerIDs enumerates the current binding table. Diagnostics only.
func (c *Connection) PeerIDs() []int64 {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	ids := make([]int64, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}

// Evict is the single terminal cleanup routine, shared by timeout, logout
// and transport failure. It is idempotent. No dangling mutual peer
// references survive it: every peer drops this connection, and an agent
// peer is returned to its manager's availability pool.
func (c *Connection) Evict() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	mgr := c.mgr
	uid := c.uid
	c.mu.Unlock()

	if mgr != nil {
		mgr.remove(c)
	}
	_ = c.transport.Close()

	c.peersMu.Lock()
	peers := c.peers
	c.peers = make(map[int64]*Connection)
	c.peersMu.Unlock()

	for _, peer := range peers {
		peer.dropPeer(uid)
		if peer.role == RoleAgent {
			peer.releaseToPool()
		}
	}

	c.logger.Info("Connection evicted")
}

// Bind materializes the mutual pairing between two connections. Both
// tables are updated; ownership of the binding is shared.
func Bind(a, b *Connection) {
	a.addPeer(b)
	b.addPeer(a)
}

func (c *Connection) addPeer(peer *Connection) {
	c.peersMu.Lock()
	c.peers[peer.UID()] = peer
	c.peersMu.Unlock()
}

func (c *Connection) dropPeer(uid int64) {
	c.peersMu.Lock()
	delete(c.peers, uid)
	c.peersMu.Unlock()
}

func (c *Connection) releaseToPool() {
	c.mu.Lock()
	mgr := c.mgr
	uid := c.uid
	c.mu.Unlock()
	if mgr != nil {
		mgr.Release(uid)
	}
}
