package dialer

import (
	"context"
	"errors"
	"net"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// IsConnRefused reports whether err is the upstream actively refusing the
// connection, which is what a dev server looks like while it restarts.
func IsConnRefused(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) || opErr.Op != "dial" {
		return false
	}
	return isConnRefused(opErr.Err)
}
