package tunnel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/slugid-go/slugid"
)

// Session tunnels one downstream WebSocket to the upstream at a fixed path.
type Session struct {
	id         string
	path       string
	downstream MessageConn
	sup        *Supervisor
	log        logrus.FieldLogger

	// wmu serializes downstream writes against the closed check.
	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSession binds downstream to a new Supervisor for path. path is the
// request URI (path and query) of the original upgrade request.
func NewSession(cfg Config, connector Connector, path string, downstream MessageConn) *Session {
	cfg = cfg.withDefaults()

	s := &Session{
		id:         slugid.Nice(),
		path:       path,
		downstream: downstream,
	}
	s.log = cfg.Log.WithFields(logrus.Fields{"session": s.id, "path": path})

	cfg.Log = s.log
	s.sup = NewSupervisor(cfg, connector, path, s.deliver)
	return s
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Path() string { return s.path }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Serve starts the upstream supervisor and relays downstream messages until
// the downstream connection ends or ctx is canceled. The session is closed
// when Serve returns. Normal client disconnects return nil.
func (s *Session) Serve(ctx context.Context) error {
	s.log.Info("new tunnel")

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()
	defer s.Close()

	s.sup.Start(ctx)

	for {
		mt, data, err := s.downstream.ReadMessage()
		if err != nil {
			if s.closed.Load() || !websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				return nil
			}
			return fmt.Errorf("read downstream: %w", err)
		}
		s.forward(mt, data)
	}
}

// Close stops the supervisor, closes the current upstream and the
// downstream connection. Only the first call has any effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		// Close the downstream first so a relay blocked writing to it
		// returns and Stop can finish.
		_ = s.downstream.Close()
		s.sup.Stop()
		s.log.Info("client disconnected")
	})
}

// forward sends a downstream message to the open upstream. With no open
// upstream the message is dropped.
func (s *Session) forward(messageType int, data []byte) {
	s.log.WithField("bytes", len(data)).Debug("client sent message")

	up := s.sup.Current()
	if up == nil || up.State() != ConnOpen {
		return
	}
	if err := up.Send(messageType, data); err != nil {
		s.log.WithError(err).Debug("client message dropped")
	}
}

// deliver writes an upstream message to the downstream. Writes after close
// are dropped.
func (s *Session) deliver(messageType int, data []byte) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.closed.Load() {
		return
	}
	if err := s.downstream.WriteMessage(messageType, data); err != nil {
		s.log.WithError(err).Debug("write to client failed")
	}
}
