package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSPair returns both ends of one WebSocket connection: server is the
// accepted side, client the dialing side. Both are closed when the test
// finishes.
func WSPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial(WSURL(srv.URL), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upgrade")
	}
	t.Cleanup(func() { _ = server.Close() })

	return server, client
}

// WSURL rewrites an http:// URL to ws://.
func WSURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// ReadText reads one message from c, failing the test if none arrives
// within timeout.
func ReadText(t *testing.T, c *websocket.Conn, timeout time.Duration) string {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.SetReadDeadline(time.Time{}) }()

	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}
