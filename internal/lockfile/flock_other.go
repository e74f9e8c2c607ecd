//go:build !unix

package lockfile

// newFlock is unavailable off unix; the directory scheme is used instead.
func newFlock(string) (Lock, bool) {
	return nil, false
}
