package tcp

import (
	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/internal/errx"
	"github.com/akerouanton/passt/pkg/logging"
)

const (
	// sockPoolSize is the number of slots in each pre-opened socket
	// pool.
	sockPoolSize = 32

	// sockPoolTSH is the high-water slot: when it is empty, at
	// least half the pool has been consumed and a refill is due.
	sockPoolTSH = 16
)

// sockPool holds pre-opened, connect-ready TCP sockets for one address
// family. A slot is either empty (-1) or an open descriptor. Pools are
// only touched from the event loop, so no locking.
type sockPool struct {
	fds [sockPoolSize]int32
}

func (p *sockPool) init() {
	for i := range p.fds {
		p.fds[i] = -1
	}
}

// take removes and returns the last filled slot, or -1 when the pool is
// empty.
func (p *sockPool) take() int32 {
	for i := sockPoolSize - 1; i >= 0; i-- {
		if p.fds[i] >= 0 {
			fd := p.fds[i]
			p.fds[i] = -1
			return fd
		}
	}
	return -1
}

// needsRefill reports whether consumption crossed the pressure
// threshold.
func (p *sockPool) needsRefill() bool {
	return p.fds[sockPoolTSH] < 0
}

// drain closes every open slot.
func (p *sockPool) drain() {
	for i := range p.fds {
		if p.fds[i] >= 0 {
			unix.Close(int(p.fds[i]))
			p.fds[i] = -1
		}
	}
}

// newConnSock opens a nonblocking TCP socket for the given address
// family, ready for a connect attempt.
func newConnSock(af int) (int32, error) {
	fd, err := unix.Socket(af, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errx.Wrap(ErrSocket, err)
	}
	return int32(fd), nil
}

// sockRefillPool fills the empty slots of a pool with fresh sockets.
// It must run inside the network context the pool belongs to. A
// creation failure leaves the pool partially filled.
func (s *Stack) sockRefillPool(p *sockPool, af int) {
	for i := range p.fds {
		if p.fds[i] >= 0 {
			continue
		}
		fd, err := newConnSock(af)
		if err != nil {
			s.log.Warn("socket pool refill failed", "error", err)
			_ = s.emitter.Emit(logging.EventRefillError, "socket pool refill failed", "",
				&logging.RefillErrorData{Pool: "socket", Reason: err.Error()})
			return
		}
		p.fds[i] = fd
	}
}
