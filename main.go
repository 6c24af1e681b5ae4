package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/hmrproxy/internal/dialer"
	"github.com/die-net/hmrproxy/internal/proxy"
)

const (
	dialTimeout        = 10 * time.Second
	negotiationTimeout = 10 * time.Second
	httpIdleTimeout    = 4 * time.Minute
	httpMaxIdleConns   = 100
)

var errUsage = errors.New("please provide a port for the proxy and upstream, like: -p 4900:4000")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			pflag.Usage()
		}
		os.Exit(1)
	}
}

func run() error {
	ports := pflag.StringP("ports", "p", "", "Proxy and upstream ports as <proxyPort>:<upstreamPort> (e.g. 4900:4000)")

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := newConfig(*ports)
	if err != nil {
		return err
	}
	cfg.Log = log

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := proxy.ListenTCP(ctx, "tcp", cfg.ListenAddr, cfg.KeepAlive)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	srv := proxy.NewServer(ctx, cfg)
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	log.WithFields(logrus.Fields{
		"upstream_http": cfg.UpstreamHTTP.String(),
		"upstream_ws":   cfg.UpstreamWS,
	}).Infof("proxy listening on http://0.0.0.0%s", cfg.ListenAddr)

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

// newConfig builds the proxy configuration for a --ports value: the proxy
// listens on all interfaces at the first port and forwards to the loopback
// upstream at the second.
func newConfig(ports string) (proxy.Config, error) {
	proxyPort, upstreamPort, err := parsePorts(ports)
	if err != nil {
		return proxy.Config{}, err
	}

	upstreamHost := net.JoinHostPort("127.0.0.1", strconv.Itoa(upstreamPort))
	keepAlive := net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 45 * time.Second, Count: 3}

	return proxy.Config{
		ListenAddr:         ":" + strconv.Itoa(proxyPort),
		UpstreamHTTP:       &url.URL{Scheme: "http", Host: upstreamHost},
		UpstreamWS:         "ws://" + upstreamHost,
		NegotiationTimeout: negotiationTimeout,
		HTTPIdleTimeout:    httpIdleTimeout,
		HTTPMaxIdleConns:   httpMaxIdleConns,
		KeepAlive:          keepAlive,
		Dialer: dialer.NewDirectDialer(dialer.Config{
			DialTimeout: dialTimeout,
			KeepAlive:   keepAlive,
		}),
	}, nil
}

// parsePorts parses "<proxyPort>:<upstreamPort>".
func parsePorts(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("missing --ports: %w", errUsage)
	}

	proxyPart, upstreamPart, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid --ports %q: expected <proxyPort>:<upstreamPort>: %w", s, errUsage)
	}

	proxyPort, err := parsePort(proxyPart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid --ports %q: proxy port: %w: %w", s, err, errUsage)
	}
	upstreamPort, err := parsePort(upstreamPart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid --ports %q: upstream port: %w: %w", s, err, errUsage)
	}

	return proxyPort, upstreamPort, nil
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, errors.New("missing")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > 65535 {
		return 0, errors.New("must be between 1 and 65535")
	}
	return n, nil
}
