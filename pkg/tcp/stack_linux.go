package tcp

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/internal/errx"
	"github.com/akerouanton/passt/pkg/epoll"
	"github.com/akerouanton/passt/pkg/logging"
	"github.com/akerouanton/passt/pkg/netns"
)

// timerInterval is the cadence of the periodic maintenance sweep.
const timerInterval = time.Second

// Config wires the stack's collaborators. NS is required: the stack
// only operates in the namespace-bridging mode, where the guest side is
// a network namespace it can enter.
type Config struct {
	// NS enters the guest network context.
	NS netns.Doer

	// GuestDialer, when set, enables the tapped fallback for
	// non-loopback peers.
	GuestDialer GuestDialer

	// IPv4 and IPv6 enable the corresponding family.
	IPv4 bool
	IPv6 bool

	Logger  *slog.Logger
	Emitter *logging.Emitter
}

// Stack owns the host-side TCP forwarding state: the listening sockets,
// the shared connection table, the splice resource pools and the event
// loop that drives them. All state is confined to the loop goroutine;
// only Stats and wake are safe from outside.
type Stack struct {
	log     *slog.Logger
	emitter *logging.Emitter

	poller    *epoll.Poller
	ns        netns.Doer
	guestDial GuestDialer

	ifi4, ifi6 bool

	table     []conn
	listeners []*Listener

	pipeSize int
	pipePool [pipePoolSize][2]int32

	nsSockPool4   sockPool
	nsSockPool6   sockPool
	initSockPool4 sockPool
	initSockPool6 sockPool

	// wakeFD is written once at construction and invalidated by
	// Close; relays may still try to wake a stack being torn down,
	// so access is atomic.
	wakeFD atomic.Int32

	stats atomic.Pointer[Stats]
}

// NewStack initializes the readiness layer, probes the pipe size and
// fills every resource pool once.
func NewStack(cfg *Config) (*Stack, error) {
	if cfg == nil || cfg.NS == nil {
		return nil, errx.With(ErrConfig, ": namespace enter helper is required")
	}
	if !cfg.IPv4 && !cfg.IPv6 {
		return nil, errx.With(ErrConfig, ": at least one address family must be enabled")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poller, err := epoll.New()
	if err != nil {
		return nil, err
	}

	s := &Stack{
		log:       logger,
		emitter:   cfg.Emitter,
		poller:    poller,
		ns:        cfg.NS,
		guestDial: cfg.GuestDialer,
		ifi4:      cfg.IPv4,
		ifi6:      cfg.IPv6,
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		poller.Close()
		return nil, errx.Wrap(ErrEventfd, err)
	}
	s.wakeFD.Store(int32(wakeFD))

	if err := poller.Add(wakeFD, epoll.Ref{Type: epoll.RefWake},
		unix.EPOLLIN); err != nil {
		unix.Close(wakeFD)
		poller.Close()
		return nil, err
	}

	s.spliceInit()
	s.log.Info("splice initialised", "pipe_size", s.pipeSize)

	s.updateStats()
	return s, nil
}

// wake nudges the event loop. Safe from any goroutine, including after
// Close.
func (s *Stack) wake() {
	fd := s.wakeFD.Load()
	if fd < 0 {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(int(fd), buf[:])
}

func (s *Stack) drainWake() {
	fd := s.wakeFD.Load()
	if fd < 0 {
		return
	}
	var buf [8]byte
	for {
		if _, err := unix.Read(int(fd), buf[:]); err != nil {
			return
		}
	}
}

// Run drives the event loop until ctx is cancelled. It owns all stack
// state; nothing else may touch the table or the pools while it runs.
func (s *Stack) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.wake)
	defer stop()

	evs := make([]unix.EpollEvent, 256)
	lastSweep := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		timeout := timerInterval - time.Since(lastSweep)
		if timeout < 0 {
			timeout = 0
		}

		n, err := s.poller.Wait(evs, int(timeout.Milliseconds())+1)
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			s.dispatch(evs[i])
		}

		if time.Since(lastSweep) >= timerInterval {
			s.sweep()
			lastSweep = time.Now()
		}
	}
}

// dispatch routes one harvested event to its owner. References carry
// table indices, so an event that raced with a destroy (and a
// compaction that moved another record into the index) is detected by
// checking that the descriptor still belongs to the record.
func (s *Stack) dispatch(ev unix.EpollEvent) {
	ref, fd := epoll.Unpack(ev)

	switch ref.Type {
	case epoll.RefListen:
		if int(ref.Index) >= len(s.listeners) {
			return
		}
		s.acceptReady(s.listeners[ref.Index])

	case epoll.RefSpliced:
		if int(ref.Index) >= len(s.table) {
			return
		}
		c, ok := s.table[ref.Index].(*spliceConn)
		if !ok || (c.s[0] != int32(fd) && c.s[1] != int32(fd)) {
			return
		}
		c.sockHandler(s, int32(fd), ev.Events)

	case epoll.RefWake:
		s.drainWake()
		s.reapTapped()
	}
}

// reapTapped destroys tapped records whose relay finished. Downward so
// a compaction only moves records that were already visited.
func (s *Stack) reapTapped() {
	for i := len(s.table) - 1; i >= 0; i-- {
		if t, ok := s.table[i].(*tappedConn); ok && t.done.Load() {
			t.destroy(s)
		}
	}

	s.updateStats()
}

// sweep refills the resource pools and runs every connection's
// periodic maintenance. Downward for the same reason as reapTapped: a
// destroy compacts the table in place.
func (s *Stack) sweep() {
	s.spliceRefill()

	for i := len(s.table) - 1; i >= 0; i-- {
		s.table[i].timer(s)
	}

	s.updateStats()
}

// Close force-destroys every connection and releases the listeners,
// the pools and the readiness layer. The loop must have returned.
func (s *Stack) Close() error {
	for i := len(s.table) - 1; i >= 0; i-- {
		s.table[i].destroy(s)
	}

	for _, l := range s.listeners {
		_ = s.poller.Del(l.fd)
		unix.Close(l.fd)
	}
	s.listeners = nil

	for i := range s.pipePool {
		if s.pipePool[i][0] >= 0 {
			unix.Close(int(s.pipePool[i][0]))
			unix.Close(int(s.pipePool[i][1]))
			s.pipePool[i][0], s.pipePool[i][1] = -1, -1
		}
	}
	s.nsSockPool4.drain()
	s.nsSockPool6.drain()
	s.initSockPool4.drain()
	s.initSockPool6.drain()

	if fd := s.wakeFD.Swap(-1); fd >= 0 {
		unix.Close(int(fd))
	}

	return s.poller.Close()
}
