package dashboard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Nya-Foundation/nyaproxy-go/internal/credential"
	"github.com/Nya-Foundation/nyaproxy-go/internal/queue"
)

func TestHandleWebSocketSendsInitialSnapshot(t *testing.T) {
	qm := queue.New(queue.Config{})
	cm := credential.New()

	hub := NewHub(qm, cm, []string{"oai"})
	stop := make(chan struct{})
	defer close(stop)
	go hub.Run(stop)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, ws.ReadJSON(&msg))
	require.Equal(t, "snapshot", msg.Type)
}

func TestBroadcastSnapshotReachesConnectedClient(t *testing.T) {
	qm := queue.New(queue.Config{})
	cm := credential.New()

	hub := NewHub(qm, cm, nil)
	stop := make(chan struct{})
	defer close(stop)
	go hub.Run(stop)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial Message
	require.NoError(t, ws.ReadJSON(&initial))

	hub.BroadcastSnapshot()

	var msg Message
	require.NoError(t, ws.ReadJSON(&msg))
	require.Equal(t, "snapshot", msg.Type)
}
