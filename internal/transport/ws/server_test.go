package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"batchmon/internal/monitor"
	"batchmon/internal/monitor/dispatch"
	"batchmon/internal/protocol"
	"batchmon/internal/transport/ws"
	logx "batchmon/pkg/logx"
)

func startServer(t *testing.T) (*monitor.Engine, string) {
	t.Helper()
	eng := monitor.New(monitor.Config{Dispatch: dispatch.Config{Tick: 10 * time.Millisecond}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	auth := ws.NewStaticAuth(map[string]ws.TokenIdentity{
		"mon-token":   {User: "alice", Roles: []string{"MONITOR"}},
		"admin-token": {User: "root", Roles: []string{"ADMIN"}},
	})
	srv := httptest.NewServer(ws.NewHandler(ws.Config{}, eng, auth, logx.Nop()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return eng, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, token string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 2 * time.Second}
	c, resp, err := d.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func readType(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		m := readJSON(t, c)
		if m["type"] == typ {
			return m
		}
	}
	t.Fatalf("no %s message", typ)
	return nil
}

func send(t *testing.T, c *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestRejectsUnauthenticatedUpgrade(t *testing.T) {
	_, url := startServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionFlow(t *testing.T) {
	eng, url := startServer(t)
	c := dial(t, url, "mon-token")

	hello := readJSON(t, c)
	require.Equal(t, protocol.TypeConnected, hello["type"])
	require.NotEmpty(t, hello["sessionId"])
	require.Equal(t, 30000.0, hello["heartbeatInterval"])

	send(t, c, `{"type":"subscribe","topics":["job-status","system-config","security-events"],"executionIds":["exec-123"],"adaptiveInterval":false}`)
	conf := readJSON(t, c)
	require.Equal(t, protocol.TypeSubscriptionConfirmed, conf["type"])
	require.Equal(t, []any{"job-status"}, conf["topics"])

	_, err := eng.Emit("exec-123", map[string]any{"status": "RUNNING", "progress": 10})
	require.NoError(t, err)
	upd := readType(t, c, protocol.TypeMetricsUpdate)
	require.Equal(t, "exec-123", upd["executionId"])
	require.Equal(t, 1.0, upd["version"])

	send(t, c, `{"type":"heartbeat","timestamp":1234}`)
	ack := readType(t, c, protocol.TypeHeartbeatAck)
	require.Equal(t, 1234.0, ack["timestamp"])

	send(t, c, `{not json`)
	bad := readType(t, c, protocol.TypeError)
	require.Equal(t, "malformed message", bad["message"])

	// still usable after the error
	send(t, c, `{"type":"unsubscribe","topics":["job-status"]}`)
	un := readType(t, c, protocol.TypeUnsubscribeConfirmed)
	require.Equal(t, []any{"job-status"}, un["topics"])
}

func TestDisconnectRemovesSession(t *testing.T) {
	eng, url := startServer(t)
	c := dial(t, url, "admin-token")
	_ = readJSON(t, c)
	require.Equal(t, 1, eng.Registry().Len())

	require.NoError(t, c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return eng.Registry().Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestCBORSubprotocol(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url, "admin-token", protocol.SubprotocolCBOR)
	require.Equal(t, protocol.SubprotocolCBOR, c.Subprotocol())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)

	var hello map[string]any
	require.NoError(t, cbor.Unmarshal(data, &hello))
	require.Equal(t, protocol.TypeConnected, hello["type"])

	frame, err := cbor.Marshal(map[string]any{"type": "subscribe", "topics": []string{"system-config"}})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, frame))

	_, data, err = c.ReadMessage()
	require.NoError(t, err)
	var conf map[string]any
	require.NoError(t, cbor.Unmarshal(data, &conf))
	require.Equal(t, protocol.TypeSubscriptionConfirmed, conf["type"])
	require.Equal(t, []any{"system-config"}, conf["topics"])
}

func TestHeaderAuth(t *testing.T) {
	a := ws.HeaderAuth{}
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := a.Authenticate(r)
	require.ErrorIs(t, err, ws.ErrUnauthenticated)

	r.Header.Set("X-Forwarded-User", "bob")
	r.Header.Set("X-Forwarded-Roles", "viewer, operator")
	id, err := a.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "bob", id.UserID)
	require.Equal(t, []string{"VIEWER", "OPERATOR"}, id.Roles.Strings())
}

func TestNewAuthenticatorModes(t *testing.T) {
	_, err := ws.NewAuthenticator(ws.AuthConfig{Mode: "static"})
	require.Error(t, err)
	_, err = ws.NewAuthenticator(ws.AuthConfig{Mode: "ldap"})
	require.Error(t, err)
	a, err := ws.NewAuthenticator(ws.AuthConfig{Mode: "header"})
	require.NoError(t, err)
	require.IsType(t, ws.HeaderAuth{}, a)
}
