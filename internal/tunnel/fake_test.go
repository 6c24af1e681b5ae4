package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// fakeConn is an in-memory MessageConn. Messages pushed to in are read by
// the tunnel; messages the tunnel writes appear on out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return websocket.TextMessage, m, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway}
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeConnector hands out fakeConns. The first failures attempts fail.
// When block is set, Connect waits for it to be closed; with ignoreCtx the
// wait also ignores cancellation, simulating a handshake that completes
// after Stop.
type fakeConnector struct {
	mu        sync.Mutex
	paths     []string
	failures  int
	block     chan struct{}
	ignoreCtx bool

	conns chan *fakeConn
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{conns: make(chan *fakeConn, 16)}
}

func (f *fakeConnector) Connect(ctx context.Context, path string) (*Upstream, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	fail := len(f.paths) <= f.failures
	block, ignoreCtx := f.block, f.ignoreCtx
	f.mu.Unlock()

	if block != nil {
		if ignoreCtx {
			<-block
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-block:
			}
		}
	}
	if fail {
		return nil, errors.New("websocket: bad handshake")
	}

	c := newFakeConn()
	f.conns <- c
	return NewUpstream(c), nil
}

func (f *fakeConnector) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

func (f *fakeConnector) pathList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func (f *fakeConnector) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream connection")
		return nil
	}
}

type recorder struct {
	ch chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 64)}
}

func (r *recorder) deliver(_ int, data []byte) {
	r.ch <- string(data)
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-r.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func testConfig(delay time.Duration) (Config, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return Config{RetryDelay: delay, Log: logger}, hook
}

func receive(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case m := <-ch:
		return string(m)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}
