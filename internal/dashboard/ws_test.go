package dashboard

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestWSMessageEnvelope(t *testing.T) {
	msg := newWSMessage("task_created", map[string]any{"id": 1})
	require.Equal(t, "1.0", msg.Version)
	require.Equal(t, "task_created", msg.Type)

	_, err := time.Parse(time.RFC3339, msg.Timestamp)
	require.NoError(t, err)
}

func TestWebSocketInitHandshake(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{"Name": "visible"})
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wsMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "init", msg.Type)
	require.Equal(t, "1.0", msg.Version)

	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	require.NotEmpty(t, payload["client_id"])
	tasks, ok := payload["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 1)
}

func TestWebSocketReceivesMutationBroadcast(t *testing.T) {
	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage() // init
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{"Name": "broadcast me"})
	resp.Body.Close()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wsMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "task_created", msg.Type)
}
