package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// UpstreamConn is one accepted connection on an Upstream, with the request
// URI and sub-protocol it was opened with.
type UpstreamConn struct {
	*websocket.Conn
	RequestURI  string
	Subprotocol string
}

// Upstream is a dev-server stand-in: it serves plain HTTP through Handler
// and accepts WebSocket upgrades on any path, counting every attempt.
type Upstream struct {
	*httptest.Server

	// Conns receives every upgraded connection.
	Conns chan *UpstreamConn

	attempts atomic.Int32
	reject   atomic.Bool

	mu      sync.Mutex
	handler http.Handler
	conns   []*websocket.Conn
}

// StartUpstream starts an Upstream on a loopback port. It is closed when the
// test finishes.
func StartUpstream(t *testing.T) *Upstream {
	t.Helper()

	u := &Upstream{Conns: make(chan *UpstreamConn, 16)}
	upgrader := websocket.Upgrader{Subprotocols: []string{"vite-hmr"}}

	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			u.mu.Lock()
			h := u.handler
			u.mu.Unlock()
			if h == nil {
				http.NotFound(w, r)
				return
			}
			h.ServeHTTP(w, r)
			return
		}

		u.attempts.Add(1)
		if u.reject.Load() {
			http.Error(w, "restarting", http.StatusServiceUnavailable)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.mu.Lock()
		u.conns = append(u.conns, c)
		u.mu.Unlock()
		u.Conns <- &UpstreamConn{Conn: c, RequestURI: r.URL.RequestURI(), Subprotocol: c.Subprotocol()}
	}))
	t.Cleanup(u.Close)

	return u
}

// Close closes every upgraded connection and stops the server.
func (u *Upstream) Close() {
	u.DropConns()
	u.Server.Close()
}

// DropConns closes every upgraded connection without stopping the server,
// which is what a client observes when the dev server restarts.
func (u *Upstream) DropConns() {
	u.mu.Lock()
	conns := u.conns
	u.conns = nil
	u.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// SetHandler sets the handler for non-upgrade requests.
func (u *Upstream) SetHandler(h http.Handler) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

// Reject makes upgrade attempts fail with 503 while v is true.
func (u *Upstream) Reject(v bool) {
	u.reject.Store(v)
}

// Attempts returns the number of upgrade requests seen so far.
func (u *Upstream) Attempts() int {
	return int(u.attempts.Load())
}

// Port returns the loopback port the server listens on.
func (u *Upstream) Port() int {
	_, port, _ := net.SplitHostPort(u.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// WSBase returns the ws:// base URL of the server.
func (u *Upstream) WSBase() string {
	return "ws://" + u.Listener.Addr().String()
}
