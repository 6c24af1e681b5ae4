package tunnel

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/hmrproxy/internal/testutil"
)

func startSession(t *testing.T, cfg Config, fc *fakeConnector, path string) (*Session, *websocket.Conn, <-chan error) {
	t.Helper()

	server, client := testutil.WSPair(t)
	sess := NewSession(cfg, fc, path, server)

	errc := make(chan error, 1)
	go func() { errc <- sess.Serve(context.Background()) }()
	t.Cleanup(sess.Close)

	return sess, client, errc
}

func waitOpen(t *testing.T, sess *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return sess.sup.Current() != nil }, 2*time.Second, 5*time.Millisecond)
}

func TestSessionForwardsClientMessage(t *testing.T) {
	fc := newFakeConnector()
	cfg, _ := testConfig(50 * time.Millisecond)

	sess, client, _ := startSession(t, cfg, fc, "/hmr")
	up := fc.next(t)
	waitOpen(t, sess)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	assert.Equal(t, `{"type":"ping"}`, receive(t, up.out))
	assert.Equal(t, []string{"/hmr"}, fc.pathList())
	assert.Equal(t, "/hmr", sess.Path())
	assert.NotEmpty(t, sess.ID())
}

func TestSessionRelaysUpstreamMessagesInOrder(t *testing.T) {
	fc := newFakeConnector()
	cfg, _ := testConfig(50 * time.Millisecond)

	_, client, _ := startSession(t, cfg, fc, "/hmr")
	up := fc.next(t)

	for i := 0; i < 20; i++ {
		up.in <- []byte("update-" + strconv.Itoa(i))
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, "update-"+strconv.Itoa(i), testutil.ReadText(t, client, 2*time.Second))
	}
}

func TestSessionDropsMessagesWhileReconnecting(t *testing.T) {
	const delay = 300 * time.Millisecond

	fc := newFakeConnector()
	cfg, _ := testConfig(delay)

	sess, client, _ := startSession(t, cfg, fc, "/hmr")
	up1 := fc.next(t)
	waitOpen(t, sess)

	require.NoError(t, up1.Close())
	require.Eventually(t, func() bool { return sess.sup.Current() == nil }, delay/2, time.Millisecond)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("lost")))

	up2 := fc.next(t)
	waitOpen(t, sess)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("kept")))

	assert.Equal(t, "kept", receive(t, up2.out))
	assert.Empty(t, up1.out)
	assert.Empty(t, up2.out)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	fc := newFakeConnector()
	cfg, _ := testConfig(20 * time.Millisecond)

	sess, _, errc := startSession(t, cfg, fc, "/hmr")
	up := fc.next(t)
	waitOpen(t, sess)

	sess.Close()
	sess.Close()

	assert.True(t, sess.Closed())
	assert.Equal(t, StateStopped, sess.sup.State())
	assert.Nil(t, sess.sup.Current())
	assert.True(t, up.isClosed())

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fc.attempts())
}

func TestSessionClientDisconnectStopsUpstream(t *testing.T) {
	fc := newFakeConnector()
	cfg, _ := testConfig(20 * time.Millisecond)

	sess, client, errc := startSession(t, cfg, fc, "/hmr")
	up := fc.next(t)
	waitOpen(t, sess)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.True(t, sess.Closed())
	assert.True(t, up.isClosed())
	assert.Equal(t, StateStopped, sess.sup.State())
}

func TestSessionClientDisconnectDuringRetry(t *testing.T) {
	const delay = 100 * time.Millisecond

	fc := newFakeConnector()
	fc.failures = 100
	cfg, _ := testConfig(delay)

	sess, client, errc := startSession(t, cfg, fc, "/hmr")
	require.Eventually(t, func() bool { return fc.attempts() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, client.Close())
	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	time.Sleep(3 * delay)
	assert.Equal(t, 1, fc.attempts())
	assert.True(t, sess.Closed())
}

func TestSessionDeliverAfterCloseIsNoop(t *testing.T) {
	fc := newFakeConnector()
	cfg, _ := testConfig(20 * time.Millisecond)

	server, _ := testutil.WSPair(t)
	sess := NewSession(cfg, fc, "/hmr", server)
	sess.Close()

	assert.NotPanics(t, func() {
		sess.deliver(websocket.TextMessage, []byte("late"))
		sess.forward(websocket.TextMessage, []byte("late"))
	})
	assert.Equal(t, 0, fc.attempts())
}

func TestSessionClosesWithContext(t *testing.T) {
	fc := newFakeConnector()
	cfg, _ := testConfig(20 * time.Millisecond)

	server, _ := testutil.WSPair(t)
	sess := NewSession(cfg, fc, "/hmr", server)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sess.Serve(ctx) }()
	up := fc.next(t)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.True(t, sess.Closed())
	assert.True(t, up.isClosed())
}
