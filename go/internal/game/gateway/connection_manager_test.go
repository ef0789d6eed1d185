package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/gateway"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/models"
)

type fakeCommands struct {
	mu      sync.Mutex
	joined  []string
	left    []string
	dropped []string
}

func (f *fakeCommands) JoinSubscriber(_ context.Context, sessionID, subscriberID string) (models.ViewerProjection, error) {
	if sessionID == "missing" {
		return models.ViewerProjection{}, errors.New("session not found")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, sessionID+"/"+subscriberID)
	return models.ViewerProjection{SessionID: sessionID, ViewerID: subscriberID}, nil
}

func (f *fakeCommands) LeaveSubscriber(_ context.Context, sessionID, subscriberID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, sessionID+"/"+subscriberID)
	return nil
}

func (f *fakeCommands) DropSubscriber(_ context.Context, subscriberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, subscriberID)
}

func (f *fakeCommands) snapshot() (joined, left, dropped []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joined...), append([]string(nil), f.left...), append([]string(nil), f.dropped...)
}

func newWSServer(t *testing.T) (*gateway.ConnectionManager, *fakeCommands, *httptest.Server) {
	t.Helper()
	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	cmds := &fakeCommands{}
	cm.SetCommandHandler(cmds)

	mux := http.NewServeMux()
	gateway.NewWebSocketHandler(cm, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return cm, cmds, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestWebSocket_RequiresUserID(t *testing.T) {
	_, _, srv := newWSServer(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_JoinOnConnectAndDeliver(t *testing.T) {
	cm, cmds, srv := newWSServer(t)
	conn := dial(t, srv, "user_id=u1&session_id=s1")

	require.Eventually(t, func() bool {
		joined, _, _ := cmds.snapshot()
		return len(joined) == 1
	}, time.Second, 5*time.Millisecond)
	joined, _, _ := cmds.snapshot()
	assert.Equal(t, []string{"s1/u1"}, joined)

	err := cm.Deliver(context.Background(), "u1", gateway.NewMessage(gateway.TypeSessionUpdated, "s1", map[string]string{"phase": "DAY"}))
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, "session.updated", msg["type"])
	assert.Equal(t, "s1", msg["session_id"])
}

func TestWebSocket_DeliverWithoutConnection(t *testing.T) {
	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())

	err := cm.Deliver(context.Background(), "ghost", gateway.NewMessage(gateway.TypePing, "", nil))
	assert.ErrorIs(t, err, gateway.ErrNotConnected)
}

func TestWebSocket_ClientCommands(t *testing.T) {
	_, cmds, srv := newWSServer(t)
	conn := dial(t, srv, "user_id=u2")

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(gateway.ClientMessage{Type: "ping"}))
		msg := readMessage(t, conn)
		assert.Equal(t, "ping", msg["type"])
	})

	t.Run("join and leave", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(gateway.ClientMessage{Type: "join", SessionID: "s9"}))
		require.NoError(t, conn.WriteJSON(gateway.ClientMessage{Type: "leave", SessionID: "s9"}))
		assert.Eventually(t, func() bool {
			joined, left, _ := cmds.snapshot()
			return len(joined) == 1 && len(left) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("failed join is reported", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(gateway.ClientMessage{Type: "join", SessionID: "missing"}))
		msg := readMessage(t, conn)
		assert.Equal(t, "error", msg["type"])
		data := msg["data"].(map[string]any)
		assert.Equal(t, "join", data["command"])
	})

	t.Run("unknown command", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(gateway.ClientMessage{Type: "dance"}))
		msg := readMessage(t, conn)
		assert.Equal(t, "error", msg["type"])
	})
}

func TestWebSocket_LastDisconnectDropsSubscriber(t *testing.T) {
	cm, cmds, srv := newWSServer(t)
	first := dial(t, srv, "user_id=u3")
	second := dial(t, srv, "user_id=u3")

	require.Eventually(t, func() bool {
		return cm.GetConnectionStats()["total_connections"] == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, cm.GetConnectionStats()["active_subscribers"])

	first.Close()
	require.Eventually(t, func() bool {
		return cm.GetConnectionStats()["total_connections"] == 1
	}, time.Second, 5*time.Millisecond)
	_, _, dropped := cmds.snapshot()
	assert.Empty(t, dropped)

	second.Close()
	assert.Eventually(t, func() bool {
		_, _, dropped := cmds.snapshot()
		return len(dropped) == 1 && dropped[0] == "u3"
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocket_StatsTrackPongs(t *testing.T) {
	config := gateway.DefaultConnectionConfig()
	config.PingInterval = 20 * time.Millisecond
	config.ReadTimeout = time.Second
	cm := gateway.NewConnectionManager(config)
	cm.SetCommandHandler(&fakeCommands{})

	mux := http.NewServeMux()
	gateway.NewWebSocketHandler(cm, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, ok := cm.GetConnectionStats()["oldest_ping_age_seconds"]
	assert.False(t, ok, "no age without connections")

	conn := dial(t, srv, "user_id=u4")
	// the dialer answers pings only while something reads
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	connected := time.Now()
	assert.Eventually(t, func() bool {
		age, ok := cm.GetConnectionStats()["oldest_ping_age_seconds"].(float64)
		return ok && time.Since(connected) > 200*time.Millisecond && age < 0.1
	}, 2*time.Second, 10*time.Millisecond, "pongs keep the last ping fresh")
}
