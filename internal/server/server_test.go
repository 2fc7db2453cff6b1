package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/hyperline/hyperline/internal/config"
	"github.com/hyperline/hyperline/internal/observability/log"
	"github.com/hyperline/hyperline/internal/protocol"
	"github.com/hyperline/hyperline/internal/storage"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.TCP = config.Listen{Host: "127.0.0.1", Port: 0}
	cfg.WS = config.Listen{Host: "127.0.0.1", Port: 0}

	srv, err := New(cfg, log.NewNop(), storage.NewMemoryMessageStore(), storage.NewMemoryPairStore())
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

// streamClient drives the raw length-prefixed transport from the client
// side.
type streamClient struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.FrameDecoder
	buf  []byte
}

func dialStream(t *testing.T, addr string) *streamClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &streamClient{t: t, conn: conn, dec: protocol.NewFrameDecoder(0), buf: make([]byte, 4096)}
}

func (c *streamClient) send(payload string) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteFrame(c.conn, []byte(payload)))
}

func (c *streamClient) recv() map[string]any {
	c.t.Helper()
	for {
		payload, ok, err := c.dec.Next()
		require.NoError(c.t, err)
		if ok {
			var decoded map[string]any
			require.NoError(c.t, json.Unmarshal(payload, &decoded))
			return decoded
		}
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		n, err := c.conn.Read(c.buf)
		require.NoError(c.t, err)
		c.dec.Feed(c.buf[:n])
	}
}

// socketClient drives the websocket transport from the client side.
type socketClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialSocket(t *testing.T, addr, path string) *socketClient {
	t.Helper()
	url := fmt.Sprintf("ws://%s%s", addr, path)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &socketClient{t: t, conn: conn}
	require.Equal(t, wsGreeting, string(c.recvRaw()))
	return c
}

func (c *socketClient) send(payload string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (c *socketClient) recvRaw() []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return payload
}

func (c *socketClient) recv() map[string]any {
	c.t.Helper()
	var decoded map[string]any
	require.NoError(c.t, json.Unmarshal(c.recvRaw(), &decoded))
	return decoded
}

func status(t *testing.T, msg map[string]any) int {
	t.Helper()
	body, ok := msg["body"].(map[string]any)
	require.True(t, ok, "message %v has no body", msg)
	return int(body["status"].(float64))
}

func TestEndToEndPairingScenario(t *testing.T) {
	srv := startTestServer(t)

	// Client A: normal user over the raw transport.
	a := dialStream(t, srv.TCPAddr().String())
	a.send(`{"type":"login","body":{"uid":1,"name":"A"}}`)
	ack := a.recv()
	require.Equal(t, "login_ack", ack["type"])
	require.Equal(t, 200, status(t, ack))

	// Client B: agent over the websocket service path.
	b := dialSocket(t, srv.WSAddr().String(), "/service")
	b.send(`{"type":"login","body":{"uid":2,"name":"B"}}`)
	ack = b.recv()
	require.Equal(t, "login_ack", ack["type"])
	require.Equal(t, 200, status(t, ack))

	// A requests custom service and is paired with B.
	a.send(`{"type":"custom_service"}`)
	ack = a.recv()
	require.Equal(t, "custom_service_ack", ack["type"])
	require.Equal(t, 200, status(t, ack))
	body := ack["body"].(map[string]any)
	require.Equal(t, float64(2), body["uid"])
	require.Equal(t, "B", body["name"])

	ready := b.recv()
	require.Equal(t, "custom_service_ready", ready["type"])
	body = ready["body"].(map[string]any)
	require.Equal(t, float64(1), body["uid"])
	require.Equal(t, "A", body["name"])

	// A's text reaches B with a server-assigned timestamp.
	a.send(`{"type":"txt","body":{"sndr":1,"recv":2,"content":"hi"}}`)
	txt := b.recv()
	require.Equal(t, "txt", txt["type"])
	body = txt["body"].(map[string]any)
	require.Equal(t, "hi", body["content"])
	require.NotZero(t, body["timestamp"])
}

func TestHeartbeatOverRawTransport(t *testing.T) {
	srv := startTestServer(t)

	c := dialStream(t, srv.TCPAddr().String())
	c.send(`{"type":"login","body":{"uid":5,"name":"E"}}`)
	require.Equal(t, "login_ack", c.recv()["type"])

	c.send(`{"type":"heartbeat","body":{"uid":5}}`)
	require.Equal(t, "heartbeat_ack", c.recv()["type"])
}

func TestMalformedMessageKeepsRawConnectionOpen(t *testing.T) {
	srv := startTestServer(t)

	c := dialStream(t, srv.TCPAddr().String())
	c.send(`{"type":"login","body":{"name":"no uid"}}`)
	c.send(`{"type":"login","body":{"uid":6,"name":"F"}}`)

	// The malformed login was dropped without an answer and without
	// killing the connection; the valid one still lands.
	ack := c.recv()
	require.Equal(t, "login_ack", ack["type"])
	require.Equal(t, 200, status(t, ack))
}

func TestSocketDecodeFailureEchoesDiagnostic(t *testing.T) {
	srv := startTestServer(t)

	c := dialSocket(t, srv.WSAddr().String(), "/")
	c.send(`not even json`)
	require.Contains(t, string(c.recvRaw()), "bad message")

	// Connection survives and accepts typed traffic.
	c.send(`{"type":"login","body":{"uid":7,"name":"G"}}`)
	require.Equal(t, "login_ack", c.recv()["type"])
}

func TestLogoutOverRawTransport(t *testing.T) {
	srv := startTestServer(t)

	c := dialStream(t, srv.TCPAddr().String())
	c.send(`{"type":"login","body":{"uid":8,"name":"H"}}`)
	require.Equal(t, "login_ack", c.recv()["type"])

	c.send(`{"type":"logout","body":{"uid":8}}`)
	require.Eventually(t, func() bool {
		return srv.Users().Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}
