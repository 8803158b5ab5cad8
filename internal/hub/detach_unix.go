//go:build !windows

package hub

import "syscall"

// platformDetachAttr puts the spawned launcher in its own process group so
// it survives the hub's own process exiting/restarting.
func platformDetachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
