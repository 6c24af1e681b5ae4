//go:build !unix && !windows

package dialer

func isConnRefused(_ error) bool {
	return false
}
