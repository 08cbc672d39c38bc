package nodebus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/fleetctl/internal/ctrlerr"
)

// dialFakeNode dials a Hub's accept endpoint and returns the client side
// of the WebSocket; tests that need replies answer commands themselves.
func dialFakeNode(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return ws
}

func TestSendRoundTripsCommandResult(t *testing.T) {
	var hb HeartbeatPayload
	var mu sync.Mutex
	hub := NewHub(nil, func(nodeID string, h HeartbeatPayload) {
		mu.Lock()
		hb = h
		mu.Unlock()
	}, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Accept(context.Background(), w, r, "node-1")
	}))
	defer srv.Close()

	ws := dialFakeNode(t, srv.URL)
	defer ws.Close()

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			res := CommandResult{ID: env.ID, Success: true, Data: json.RawMessage(`{"ok":true}`)}
			payload, _ := json.Marshal(res)
			_ = ws.WriteJSON(Envelope{ID: env.ID, Type: "command_result", Payload: payload})
		}
	}()

	waitConnected(t, hub, "node-1")

	res, err := hub.Send(context.Background(), "node-1", "cmd-1", "bot.restart", map[string]string{"botId": "b1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSendToUnknownNodeFailsFast(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	_, err := hub.Send(context.Background(), "ghost", "cmd-1", "bot.start", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ctrlerr.NodeUnreachable)
}

func TestDisconnectFailsPendingCommands(t *testing.T) {
	hub := NewHub(nil, nil, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Accept(context.Background(), w, r, "node-2")
	}))
	defer srv.Close()

	ws := dialFakeNode(t, srv.URL)
	waitConnected(t, hub, "node-2")

	done := make(chan CommandResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := hub.Send(context.Background(), "node-2", "cmd-2", "bot.stop", nil)
		if err != nil {
			errCh <- err
			return
		}
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	ws.Close()

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.Equal(t, ctrlerr.NodeDisconnected.Error(), res.Error)
	case err := <-errCh:
		t.Fatalf("unexpected error path: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect to fail the pending command")
	}
}

func TestTimeoutForPicksLongWindowForExport(t *testing.T) {
	assert.Equal(t, longCommandTimeout, timeoutFor("bot.export"))
	assert.Equal(t, defaultCommandTimeout, timeoutFor("bot.restart"))
}

func waitConnected(t *testing.T, hub *Hub, nodeID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Connected(nodeID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %s never connected", nodeID)
}
