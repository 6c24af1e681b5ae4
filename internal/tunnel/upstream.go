package tunnel

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// MessageConn is the subset of *websocket.Conn used for both ends of a
// tunnel.
type MessageConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConnState is the lifecycle state of an Upstream.
//
// There is no connecting state. Connect only returns Open upstreams; while a
// handshake is in flight the Supervisor is StateAttempting, and a failed
// handshake is reported as Connect's error.
type ConnState int32

const (
	ConnOpen ConnState = iota + 1
	// ConnClosed: closed locally or ended by a close frame.
	ConnClosed
	// ConnFailed: ended by a transport error.
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnOpen:
		return "open"
	case ConnClosed:
		return "closed"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Upstream is a single open upstream connection. It is never reused: each
// reconnect produces a new Upstream.
type Upstream struct {
	conn  MessageConn
	state atomic.Int32

	closeOnce sync.Once
}

// NewUpstream wraps an already handshaken connection as an Open Upstream.
func NewUpstream(conn MessageConn) *Upstream {
	u := &Upstream{conn: conn}
	u.state.Store(int32(ConnOpen))
	return u
}

func (u *Upstream) State() ConnState {
	return ConnState(u.state.Load())
}

// Send writes one message. It must not be called concurrently with itself.
func (u *Upstream) Send(messageType int, data []byte) error {
	if u.State() != ConnOpen {
		return errUpstreamClosed
	}
	return u.conn.WriteMessage(messageType, data)
}

// Relay reads messages until the connection ends, passing each to deliver
// in arrival order. It returns the error that ended the connection. An end
// caused by a transport error leaves the Upstream Failed, any other end
// leaves it Closed.
func (u *Upstream) Relay(deliver func(messageType int, data []byte)) error {
	for {
		mt, data, err := u.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				u.state.CompareAndSwap(int32(ConnOpen), int32(ConnFailed))
			}
			u.Close()
			return err
		}
		deliver(mt, data)
	}
}

// Close closes the connection. It is safe to call more than once and
// concurrently with Send and Relay.
func (u *Upstream) Close() {
	u.closeOnce.Do(func() {
		u.state.CompareAndSwap(int32(ConnOpen), int32(ConnClosed))
		_ = u.conn.Close()
	})
}
