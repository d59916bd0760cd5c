//go:build unix

package lifecycle

import "syscall"

// detachedProcAttr puts the child in a new session so it outlives the controller
// and is not hit by signals sent to the controller's process group.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
