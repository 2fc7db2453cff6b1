package session

import (
	"math/rand"
	"sync"

	"github.com/hyperline/hyperline/internal/observability/log"
)

// Manager is the authoritative registry of live connections for one role.
// A uid appears at most once; a later login with the same uid supersedes
// the earlier connection (the displaced connection is handed back to the
// caller for eviction).
type Manager struct {
	name   string
	logger log.Log

	mu    sync.RWMutex
	conns map[int64]*Connection
	taken map[int64]struct{}
	rnd   *rand.Rand
}

func NewManager(name string, logger log.Log, seed int64) *Manager {
	return &Manager{
		name:   name,
		logger: logger.With(log.String("manager", name)),
		conns:  make(map[int64]*Connection),
		taken:  make(map[int64]struct{}),
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

// Add inserts conn under its uid and returns the connection it displaced,
// if the uid was already registered. A re-registering agent starts free:
// any stale availability mark from the displaced connection is cleared.
func (m *Manager) Add(conn *Connection) (displaced *Connection) {
	uid := conn.UID()

	m.mu.Lock()
	displaced = m.conns[uid]
	m.conns[uid] = conn
	delete(m.taken, uid)
	m.mu.Unlock()

	m.logger.Debug("Connection registered", log.Int64("uid", uid), log.Bool("superseded", displaced != nil))
	return displaced
}

// Remove drops the registration for uid. Idempotent no-op if absent.
func (m *Manager) Remove(uid int64) {
	m.mu.Lock()
	delete(m.conns, uid)
	delete(m.taken, uid)
	m.mu.Unlock()
}

// remove drops conn only if it still owns its uid slot, so evicting a
// superseded connection cannot unregister its replacement.
func (m *Manager) remove(conn *Connection) {
	uid := conn.UID()

	m.mu.Lock()
	if m.conns[uid] == conn {
		delete(m.conns, uid)
		delete(m.taken, uid)
	}
	m.mu.Unlock()
}

func (m *Manager) Get(uid int64) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[uid]
	return conn, ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// All enumerates the registry. Diagnostics only, never the hot path.
func (m *Manager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	return conns
}

// TakeAvailable picks one registered connection at random among those not
// already taken, marks it taken and returns it. The pick and the mark are
// one critical section, so concurrent callers never receive the same
// connection. A taken connection stays registered for Get and Remove; it
// only leaves the availability pool until Release.
func (m *Manager) TakeAvailable() (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := make([]int64, 0, len(m.conns))
	for uid := range m.conns {
		if _, busy := m.taken[uid]; !busy {
			free = append(free, uid)
		}
	}
	if len(free) == 0 {
		return nil, false
	}

	uid := free[m.rnd.Intn(len(free))]
	m.taken[uid] = struct{}{}

	return m.conns[uid], true
}

// Reserve marks uid taken if it is registered and currently free. Used
// when a persisted pairing is restored at reconnect, so the agent half is
// excluded from TakeAvailable again.
func (m *Manager) Reserve(uid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[uid]; !ok {
		return false
	}
	if _, busy := m.taken[uid]; busy {
		return false
	}
	m.taken[uid] = struct{}{}
	return true
}

// Release returns uid to the availability pool. Idempotent.
func (m *Manager) Release(uid int64) {
	m.mu.Lock()
	delete(m.taken, uid)
	m.mu.Unlock()
}
