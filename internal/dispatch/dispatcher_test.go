package dispatch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperline/hyperline/internal/observability/log"
	"github.com/hyperline/hyperline/internal/protocol"
	"github.com/hyperline/hyperline/internal/session"
)

type nopTransport struct{}

func (nopTransport) Write([]byte) error   { return nil }
func (nopTransport) Close() error         { return nil }
func (nopTransport) RemoteAddr() net.Addr { return &net.TCPAddr{} }

func testConn() *session.Connection {
	return session.NewConnection(session.RoleNormalUser, nopTransport{}, log.NewNop())
}

func TestDispatchRoutesByType(t *testing.T) {
	d := New(log.NewNop())
	got := make(chan protocol.Message, 1)

	err := d.Register(protocol.TypeHeartbeat, func(_ context.Context, _ *session.Connection, msg protocol.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	d.Dispatch(context.Background(), testConn(), &protocol.Heartbeat{UID: 1})

	select {
	case msg := <-got:
		require.Equal(t, &protocol.Heartbeat{UID: 1}, msg)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	d := New(log.NewNop())
	h := func(context.Context, *session.Connection, protocol.Message) error { return nil }

	require.NoError(t, d.Register(protocol.TypeLogin, h))
	require.Error(t, d.Register(protocol.TypeLogin, h))
}

func TestUnknownTypeGoesToFallback(t *testing.T) {
	d := New(log.NewNop())
	called := make(chan string, 1)
	d.SetFallback(func(_ context.Context, _ *session.Connection, msg protocol.Message) error {
		called <- msg.Type()
		return nil
	})

	d.Dispatch(context.Background(), testConn(), &protocol.Logout{UID: 1})

	select {
	case typ := <-called:
		require.Equal(t, protocol.TypeLogout, typ)
	case <-time.After(time.Second):
		t.Fatal("fallback not called")
	}
}

func TestSlowHandlerDoesNotBlockOthers(t *testing.T) {
	d := New(log.NewNop())
	release := make(chan struct{})
	fast := make(chan struct{}, 1)

	require.NoError(t, d.Register(protocol.TypeText, func(context.Context, *session.Connection, protocol.Message) error {
		<-release
		return nil
	}))
	require.NoError(t, d.Register(protocol.TypeHeartbeat, func(context.Context, *session.Connection, protocol.Message) error {
		fast <- struct{}{}
		return nil
	}))

	d.Dispatch(context.Background(), testConn(), &protocol.Text{Sender: 1, Receiver: 2, Content: "slow"})
	d.Dispatch(context.Background(), testConn(), &protocol.Heartbeat{UID: 3})

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast handler blocked behind slow one")
	}
	close(release)
	d.Wait()
}

func TestHandlerPanicIsContained(t *testing.T) {
	d := New(log.NewNop())
	require.NoError(t, d.Register(protocol.TypeLogout, func(context.Context, *session.Connection, protocol.Message) error {
		panic("boom")
	}))

	d.Dispatch(context.Background(), testConn(), &protocol.Logout{UID: 1})
	d.Wait() // must not crash the test binary
}

func TestWaitDrainsInFlight(t *testing.T) {
	d := New(log.NewNop())
	var mu sync.Mutex
	count := 0

	require.NoError(t, d.Register(protocol.TypeHeartbeat, func(context.Context, *session.Connection, protocol.Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 50; i++ {
		d.Dispatch(context.Background(), testConn(), &protocol.Heartbeat{UID: int64(i)})
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, count)
}
