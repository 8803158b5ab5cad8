//go:build !windows

package launcher

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// EndpointAddress returns the LSC endpoint address for a session id,
// deterministically derived from id: a Unix domain socket alongside the
// registry directory.
func EndpointAddress(sessionsDir, id string) string {
	return filepath.Join(sessionsDir, id+".sock")
}

// Listen binds the LSC endpoint. Any socket file already at addr is
// removed before binding — colliding with a *live* endpoint is the
// caller's responsibility to detect first (the session commands check the
// registry before calling Start).
func Listen(addr string) (net.Listener, error) {
	if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("clear stale socket: %w", err)
	}
	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", addr, err)
	}
	return l, nil
}

// DialEndpoint connects to an LSC endpoint from within the same host,
// used by the hub when attaching.
func DialEndpoint(addr string) (net.Conn, error) {
	return net.Dial("unix", addr)
}

func removeEndpoint(addr string) {
	os.Remove(addr)
}
