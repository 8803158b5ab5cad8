//go:build windows

package hub

import "syscall"

// platformDetachAttr detaches the spawned launcher into its own process
// group on Windows via CREATE_NEW_PROCESS_GROUP.
func platformDetachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: 0x00000200}
}
