//go:build !unix

package lockfile

import "os"

// ProcessAlive reports whether a process with the given pid exists. Without
// signal zero the best available check is FindProcess; erring toward
// "alive" avoids stealing a lock from a live holder.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
