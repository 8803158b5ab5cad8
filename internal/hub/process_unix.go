//go:build !windows

package hub

import "golang.org/x/sys/unix"

// processAlive reports whether pid still exists, using the classic
// signal-0 liveness probe.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
