//go:build !windows
// +build !windows

package lock

import (
	"os"
	"syscall"

	"github.com/dswd/zvault/internal/debug"
)

// processExists checks if the process retaining the lock exists, by
// sending it signal 0, which performs the existence and permission checks
// without delivering a signal.
func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		debug.Log("error searching for process %d: %v", pid, err)
		return false
	}
	defer func() {
		_ = proc.Release()
	}()

	err = proc.Signal(syscall.Signal(0))
	if err != nil {
		debug.Log("signal error: %v, lock is probably stale", err)
		return false
	}
	return true
}
