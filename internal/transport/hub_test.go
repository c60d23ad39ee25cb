package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsEnvelopes(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Broadcast("trade_pending", map[string]any{"decision_id": 7})
	hub.Broadcast("trade_executed", map[string]any{"decision_id": 7})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var env EventEnvelope
	require.NoError(t, json.Unmarshal(msg, &env))
	require.Equal(t, 1, env.V)
	require.Equal(t, "trade_pending", env.Type)
	require.Equal(t, "1", env.ID)
	require.False(t, env.TS.IsZero())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.EqualValues(t, 7, payload["decision_id"])

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &env))
	require.Equal(t, "trade_executed", env.Type)
	require.Equal(t, "2", env.ID)
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)

	// Broadcasting with nobody connected is a no-op.
	hub.Broadcast("pipeline_started", map[string]any{"run_id": 1})
}
