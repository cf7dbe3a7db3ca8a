// Package epoll wraps the kernel readiness interface used by the
// single-threaded event loop. Registrations carry a packed reference
// identifying the owner of each file descriptor, so the loop can route
// an event without keeping pointers that a table compaction would
// invalidate.
package epoll

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/internal/errx"
)

// RefType tells the loop what kind of object a descriptor belongs to.
type RefType uint8

const (
	RefNone RefType = iota
	// RefListen marks a listening socket; Index is the listener slot.
	RefListen
	// RefSpliced marks a spliced connection socket; Index is the
	// connection table index.
	RefSpliced
	// RefWake marks the loop wakeup eventfd.
	RefWake
)

// Ref identifies the owner of a registered descriptor. Index is a table
// position, not a pointer: compaction re-registers moved entries with
// their new index.
type Ref struct {
	Type  RefType
	Index int32
}

const indexBits = 24

// maxIndex bounds table indices so a Ref packs into 32 bits.
const maxIndex = 1<<indexBits - 1

func (r Ref) pack() int32 {
	return int32(r.Type)<<indexBits | (r.Index & maxIndex)
}

func unpackRef(v int32) Ref {
	return Ref{
		Type:  RefType(uint32(v) >> indexBits),
		Index: v & maxIndex,
	}
}

// Unpack recovers the reference and file descriptor from a harvested
// event.
func Unpack(ev unix.EpollEvent) (Ref, int) {
	return unpackRef(ev.Pad), int(ev.Fd)
}

// Poller owns one epoll instance.
type Poller struct {
	fd int
}

// New creates the epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errx.Wrap(ErrCreate, err)
	}
	return &Poller{fd: fd}, nil
}

func (p *Poller) ctl(op, fd int, ref Ref, events uint32) error {
	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		if ref.Index > maxIndex || ref.Index < 0 {
			return errx.With(ErrCtl, ": index %d out of range", ref.Index)
		}
		ev = &unix.EpollEvent{
			Events: events,
			Fd:     int32(fd),
			Pad:    ref.pack(),
		}
	}
	if err := unix.EpollCtl(p.fd, op, fd, ev); err != nil {
		return errx.Wrap(ErrCtl, err)
	}
	return nil
}

// Add registers fd with the given reference and event mask.
func (p *Poller) Add(fd int, ref Ref, events uint32) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, ref, events)
}

// Mod updates the reference and event mask of a registered fd.
func (p *Poller) Mod(fd int, ref Ref, events uint32) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, ref, events)
}

// Del removes fd from the readiness set. Removing an fd that is not
// registered (or already closed) is not an error.
func (p *Poller) Del(fd int) error {
	err := p.ctl(unix.EPOLL_CTL_DEL, fd, Ref{}, 0)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return err
	}
	return nil
}

// Wait fills evs with ready events, blocking for at most msec
// milliseconds (-1 blocks indefinitely). EINTR is retried in place.
func (p *Poller) Wait(evs []unix.EpollEvent, msec int) (int, error) {
	for {
		n, err := unix.EpollWait(p.fd, evs, msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errx.Wrap(ErrWait, err)
		}
		return n, nil
	}
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
