package tcp

import (
	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/pkg/logging"
)

const (
	// maxPipeSize is the pipe capacity the prober starts from.
	maxPipeSize = 8 << 20

	// pipePoolSize is the number of pre-opened pipe pairs kept
	// ready for new spliced connections.
	pipePoolSize = 32
)

// setPipeSize probes the largest pipe capacity the kernel grants for a
// full pool's worth of pipes, halving the target until either every
// probe succeeds or the size reaches zero (in which case the starting
// maximum is restored as best effort). The result is used everywhere
// pipes are created for this stack.
func (s *Stack) setPipeSize() {
	s.pipeSize = maxPipeSize

	for {
		var probe [pipePoolSize][2]int
		created := 0
		ok := true

		for i := 0; i < pipePoolSize; i++ {
			if err := unix.Pipe2(probe[created][:], unix.O_CLOEXEC); err != nil {
				ok = false
				break
			}
			created++
			if _, err := unix.FcntlInt(uintptr(probe[created-1][0]),
				unix.F_SETPIPE_SZ, s.pipeSize); err != nil {
				ok = false
				break
			}
		}

		for j := created - 1; j >= 0; j-- {
			unix.Close(probe[j][0])
			unix.Close(probe[j][1])
		}

		if ok {
			return
		}

		s.pipeSize /= 2
		if s.pipeSize == 0 {
			s.pipeSize = maxPipeSize
			return
		}
	}
}

// pipeRefill tops up the leading empty run of the pipe pool. A pipe
// that cannot be resized to the probed capacity is still usable and
// kept.
func (s *Stack) pipeRefill() {
	for i := range s.pipePool {
		if s.pipePool[i][0] >= 0 {
			break
		}
		var p [2]int
		if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
			s.log.Warn("pipe pool refill failed", "error", err)
			_ = s.emitter.Emit(logging.EventRefillError, "pipe pool refill failed", "",
				&logging.RefillErrorData{Pool: "pipe", Reason: err.Error()})
			continue
		}
		if _, err := unix.FcntlInt(uintptr(p[0]),
			unix.F_SETPIPE_SZ, s.pipeSize); err != nil {
			s.log.Debug("cannot set pool pipe size",
				"size", s.pipeSize, "error", err)
		}
		s.pipePool[i][0], s.pipePool[i][1] = int32(p[0]), int32(p[1])
	}
}

// pipePoolTake swaps the first filled pool slot out into pipe. The slot
// becomes empty; the caller owns both descriptors. pipe is left at
// (-1, -1) when the pool is exhausted.
func (s *Stack) pipePoolTake(pipe *[2]int32) {
	for i := range s.pipePool {
		if s.pipePool[i][0] >= 0 {
			pipe[0], s.pipePool[i][0] = s.pipePool[i][0], -1
			pipe[1], s.pipePool[i][1] = s.pipePool[i][1], -1
			return
		}
	}
}

// nsSockRefill refills the foreign-context socket pools in a single
// trip into the namespace.
func (s *Stack) nsSockRefill() {
	err := s.ns.Do(func() error {
		if s.ifi4 {
			s.sockRefillPool(&s.nsSockPool4, unix.AF_INET)
		}
		if s.ifi6 {
			s.sockRefillPool(&s.nsSockPool6, unix.AF_INET6)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("namespace socket pool refill failed", "error", err)
	}
}

// spliceRefill refills the pools of resources needed for splicing: the
// foreign-context socket pools under pressure, the init-side pools, and
// the pipe pool.
func (s *Stack) spliceRefill() {
	if (s.ifi4 && s.nsSockPool4.needsRefill()) ||
		(s.ifi6 && s.nsSockPool6.needsRefill()) {
		s.nsSockRefill()
	}

	if s.ifi4 && s.initSockPool4.needsRefill() {
		s.sockRefillPool(&s.initSockPool4, unix.AF_INET)
	}
	if s.ifi6 && s.initSockPool6.needsRefill() {
		s.sockRefillPool(&s.initSockPool6, unix.AF_INET6)
	}

	s.pipeRefill()
}

// spliceInit probes the pipe size and fills every pool once.
func (s *Stack) spliceInit() {
	for i := range s.pipePool {
		s.pipePool[i][0], s.pipePool[i][1] = -1, -1
	}
	s.nsSockPool4.init()
	s.nsSockPool6.init()
	s.initSockPool4.init()
	s.initSockPool6.init()

	s.setPipeSize()
	s.nsSockRefill()
	if s.ifi4 {
		s.sockRefillPool(&s.initSockPool4, unix.AF_INET)
	}
	if s.ifi6 {
		s.sockRefillPool(&s.initSockPool6, unix.AF_INET6)
	}
	s.pipeRefill()
}
