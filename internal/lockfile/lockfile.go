// Package lockfile reports whether a file is still held by a writer.
package lockfile

import (
	"os"

	"github.com/gofrs/flock"
)

// Detector reports whether a file is currently held open for writing by someone else.
// Implementations must not modify the file and must not block.
type Detector interface {
	Locked(path string) bool
}

// Func adapts a plain function to a Detector.
type Func func(path string) bool

func (f Func) Locked(path string) bool { return f(path) }

// Probe detects locks by attempting a non-blocking exclusive lock on a read-only
// handle. If the handle cannot be opened, or another holder owns the lock, the file
// counts as locked. A successful probe lock is released before returning.
type Probe struct{}

func (Probe) Locked(path string) bool {
	fl := flock.New(path, flock.SetFlag(os.O_RDONLY))
	ok, err := fl.TryLock()
	if err != nil || !ok {
		return true
	}
	_ = fl.Unlock()
	return false
}
