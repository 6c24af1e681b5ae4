package proxy

import (
	"net"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/hmrproxy/internal/dialer"
)

type Config struct {
	// ListenAddr is the proxy's own listen address, e.g. ":4900".
	ListenAddr string

	// UpstreamHTTP is the base for plain requests, e.g. http://127.0.0.1:4000.
	UpstreamHTTP *url.URL

	// UpstreamWS is the base for tunneled WebSockets, e.g. ws://127.0.0.1:4000.
	UpstreamWS string

	NegotiationTimeout time.Duration
	HTTPIdleTimeout    time.Duration
	HTTPMaxIdleConns   int

	// RetryDelay is passed to every tunnel; zero means the tunnel default.
	RetryDelay time.Duration

	KeepAlive net.KeepAliveConfig

	Dialer dialer.Dialer

	Log logrus.FieldLogger
}
