// Package netns enters a foreign network namespace to run short,
// synchronous operations inside it. Entering is expensive: callers
// batch whatever work they can into a single trip.
package netns

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/internal/errx"
)

// Doer runs a callback inside a foreign network context. The call is
// synchronous: it returns once the callback has run and the calling
// context is restored.
type Doer interface {
	Do(fn func() error) error
}

// Handle is an open reference to a network namespace.
type Handle struct {
	fd int
}

// Open opens a namespace by path, e.g. /proc/<pid>/ns/net or a bind
// mount under /run/netns.
func Open(path string) (*Handle, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errx.With(ErrOpen, ": %s: %w", path, err)
	}
	return &Handle{fd: fd}, nil
}

// OpenPid opens the network namespace of a running process.
func OpenPid(pid int) (*Handle, error) {
	return Open(fmt.Sprintf("/proc/%d/ns/net", pid))
}

// Do runs fn on a locked OS thread inside the namespace, then restores
// the thread's original namespace. If the original namespace cannot be
// restored the thread is abandoned to the runtime instead of being
// returned to the scheduler in the wrong context.
func (h *Handle) Do(fn func() error) error {
	runtime.LockOSThread()

	self, err := unix.Open("/proc/thread-self/ns/net", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		runtime.UnlockOSThread()
		return errx.Wrap(ErrEnter, err)
	}

	if err := unix.Setns(h.fd, unix.CLONE_NEWNET); err != nil {
		unix.Close(self)
		runtime.UnlockOSThread()
		return errx.Wrap(ErrEnter, err)
	}

	fnErr := fn()

	if err := unix.Setns(self, unix.CLONE_NEWNET); err != nil {
		unix.Close(self)
		return errx.Wrap(ErrRestore, err)
	}
	unix.Close(self)
	runtime.UnlockOSThread()

	return fnErr
}

// Close releases the namespace reference.
func (h *Handle) Close() error {
	return unix.Close(h.fd)
}
