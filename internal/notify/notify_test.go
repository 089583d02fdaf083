package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, bus *Bus, userID string) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		bus.Subscribe(userID, conn)
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestPublishDeliversFileUpdateEnvelope(t *testing.T) {
	bus := New(zerolog.Nop())
	_, wsURL := newTestServer(t, bus, "alice")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the register message time to land in the bus loop
	time.Sleep(20 * time.Millisecond)
	bus.Publish("alice", Event{Action: "create", Path: "/workspace/a.txt"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, "file_update", env.Type)
	require.Equal(t, "create", env.Action)
	require.Equal(t, "/workspace/a.txt", env.Path)
	require.NotEmpty(t, env.Timestamp)
}

func TestPublishDoesNotReachOtherUsers(t *testing.T) {
	bus := New(zerolog.Nop())
	_, wsURL := newTestServer(t, bus, "bob")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	bus.Publish("someone-else", Event{Action: "create", Path: "/workspace/a.txt"})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	require.Error(t, err) // expect a timeout: nothing was delivered
}
