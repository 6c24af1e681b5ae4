package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/die-net/hmrproxy/internal/dialer"
	"github.com/die-net/hmrproxy/internal/tunnel"
)

// Server serves the development proxy.
//
// It supports:
// - WebSocket upgrades, each tunneled by its own tunnel.Session
// - everything else, via httputil.ReverseProxy to the upstream HTTP base
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logrus.FieldLogger
	srv    *http.Server
	rp     *httputil.ReverseProxy

	connector tunnel.Connector
	tunnelCfg tunnel.Config
}

// NewServer constructs a proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the
// underlying http.Server and every live tunnel. Canceling ctx also closes
// every live tunnel.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{KeepAlive: cfg.KeepAlive})
	}

	s := &Server{
		log:       cfg.Log,
		rp:        newReverseProxy(cfg),
		connector: tunnel.NewWSConnector(cfg.UpstreamWS, cfg.Dialer, cfg.NegotiationTimeout),
		tunnelCfg: tunnel.Config{RetryDelay: cfg.RetryDelay, Log: cfg.Log},
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.srv = &http.Server{
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

// Serve serves proxy requests on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server and closes every live tunnel.
func (s *Server) Close() error {
	s.cancel()
	return s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleUpgrade(w, r)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	path := r.URL.RequestURI()

	upgrader := websocket.Upgrader{
		Subprotocols: websocket.Subprotocols(r),
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.WithError(err).WithField("path", path).Warn("websocket upgrade failed")
		return
	}

	// The hijacked connection outlives r's context; tie the tunnel to the
	// server's lifetime instead.
	sess := tunnel.NewSession(s.tunnelCfg, s.connector, path, conn)
	if err := sess.Serve(s.ctx); err != nil {
		s.log.WithError(err).WithField("session", sess.ID()).Debug("tunnel ended")
	}
}

func newReverseProxy(cfg Config) *httputil.ReverseProxy {
	target := cfg.UpstreamHTTP

	director := func(r *http.Request) {
		r.URL.Scheme = target.Scheme
		r.URL.Host = target.Host
		r.Host = target.Host

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil
	}

	log := cfg.Log
	errHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithError(err).WithField("path", r.URL.RequestURI()).Warn("upstream request failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
	}

	return &httputil.ReverseProxy{
		Director:      director,
		Transport:     newTransport(cfg),
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  errHandler,
		BufferPool:    newBodyBufferPool(copyBufferSize),
	}
}

func newTransport(cfg Config) http.RoundTripper {
	return &http.Transport{
		DialContext:         cfg.Dialer.DialContext,
		MaxIdleConns:        cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: cfg.HTTPMaxIdleConns,
		IdleConnTimeout:     cfg.HTTPIdleTimeout,
	}
}
