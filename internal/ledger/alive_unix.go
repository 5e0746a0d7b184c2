//go:build unix

package ledger

import (
	"errors"
	"os"
	"syscall"
)

// ProcessAlive reports whether pid is a running process. Signal zero
// performs the existence check without delivering anything; EPERM
// still proves the process exists.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
