package lock

import (
	"os"

	"github.com/dswd/zvault/internal/debug"
)

// processExists checks if the process retaining the lock exists.
func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		debug.Log("error searching for process %d: %v", pid, err)
		return false
	}
	if err := proc.Release(); err != nil {
		debug.Log("error releasing process %d: %v", pid, err)
	}
	return true
}
