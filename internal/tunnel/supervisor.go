package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/sirupsen/logrus"

	"github.com/die-net/hmrproxy/internal/dialer"
)

// State is a Supervisor's position in its reconnect cycle.
type State int32

const (
	StateIdle State = iota
	StateAttempting
	StateOpen
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateOpen:
		return "open"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Supervisor keeps one upstream connection for a path alive until stopped.
//
// All dialing, relaying and waiting happens on a single goroutine started by
// Start, so at most one connection attempt or retry timer exists at a time.
// A connection's close and error are observed as the single return of
// Upstream.Relay and so cause one retry, not two.
type Supervisor struct {
	connector Connector
	path      string
	deliver   func(messageType int, data []byte)
	backoff   backoff.BackOff
	log       logrus.FieldLogger

	mu      sync.Mutex
	state   State
	current *Upstream
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSupervisor returns an Idle Supervisor for path. deliver receives every
// upstream message in order; it must not call Stop.
func NewSupervisor(cfg Config, connector Connector, path string, deliver func(messageType int, data []byte)) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		connector: connector,
		path:      path,
		deliver:   deliver,
		backoff:   backoff.NewConstantBackOff(cfg.RetryDelay),
		log:       cfg.Log,
		done:      make(chan struct{}),
	}
}

// Start begins connecting. It is a no-op unless the Supervisor is Idle.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateAttempting

	go func() {
		defer close(s.done)
		defer s.markStopped()
		s.run(ctx)
	}()
}

// Stop moves the Supervisor to Stopped, cancels any in-flight dial or
// pending retry and closes the current upstream. It waits for the
// Supervisor's goroutine to exit and is safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.state = StateStopped
	up := s.current
	s.current = nil
	cancel := s.cancel
	s.mu.Unlock()

	if up != nil {
		up.Close()
	}
	if cancel != nil {
		cancel()
		<-s.done
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the open upstream, or nil while none is open.
func (s *Supervisor) Current() *Upstream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Supervisor) run(ctx context.Context) {
	for {
		up, err := s.connector.Connect(ctx, s.path)
		delay := s.backoff.NextBackOff()

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			if dialer.IsConnRefused(err) {
				s.log.Warnf("upstream not listening, retrying in %s", delay)
			} else {
				s.log.WithError(err).Errorf("upstream connect failed, retrying in %s", delay)
			}

		case !s.adopt(up):
			// Stopped while the handshake was in flight.
			up.Close()
			return

		default:
			s.backoff.Reset()
			s.log.Info("upstream open")

			stop := context.AfterFunc(ctx, up.Close)
			err = up.Relay(s.deliver)
			stop()
			s.release(up)

			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warnf("upstream closed, retrying in %s", delay)
		}

		if !s.wait(ctx, delay) {
			return
		}
	}
}

func (s *Supervisor) wait(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateStopped
}

func (s *Supervisor) adopt(up *Upstream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return false
	}
	s.state = StateOpen
	s.current = up
	return true
}

func (s *Supervisor) release(up *Upstream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == up {
		s.current = nil
	}
	if s.state == StateOpen {
		s.state = StateAttempting
	}
}

func (s *Supervisor) markStopped() {
	s.mu.Lock()
	up := s.current
	s.current = nil
	s.state = StateStopped
	s.mu.Unlock()

	if up != nil {
		up.Close()
	}
}
