package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/die-net/hmrproxy/internal/dialer"
)

// Subprotocol is requested on every upstream handshake; Vite only pushes
// HMR updates to sockets that negotiated it.
const Subprotocol = "vite-hmr"

var errUpstreamClosed = errors.New("upstream closed")

// Connector opens one upstream connection per call. It never retries;
// retrying is the Supervisor's job.
type Connector interface {
	Connect(ctx context.Context, path string) (*Upstream, error)
}

// WSConnector dials the upstream WebSocket server at a fixed base URL.
type WSConnector struct {
	base   string
	dialer *websocket.Dialer
}

// NewWSConnector returns a Connector that dials base+path (base is e.g.
// "ws://127.0.0.1:4000") through d.
func NewWSConnector(base string, d dialer.Dialer, handshakeTimeout time.Duration) *WSConnector {
	return &WSConnector{
		base: strings.TrimSuffix(base, "/"),
		dialer: &websocket.Dialer{
			NetDialContext:   d.DialContext,
			HandshakeTimeout: handshakeTimeout,
			Subprotocols:     []string{Subprotocol},
		},
	}
}

// URL returns the upstream URL for path.
func (c *WSConnector) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.base + path
}

func (c *WSConnector) Connect(ctx context.Context, path string) (*Upstream, error) {
	u := c.URL(path)
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect %s: %w (status %s)", u, err, resp.Status)
		}
		return nil, fmt.Errorf("connect %s: %w", u, err)
	}
	return NewUpstream(conn), nil
}
