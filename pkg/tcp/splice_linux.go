package tcp

// Direct loopback forwarding for local connections.
//
// For local traffic directed to forwarded TCP ports, bytes are moved
// between L4 sockets through kernel pipes using pairs of splice calls,
// never touching user space. These connections are tracked by
// spliceConn records in the shared table, using these events:
//
//   - spliceConnect:     connection accepted, connecting to target
//   - spliceEstablished: connection to target established
//   - outWait0:          pipe to accepted socket full, wait for EPOLLOUT
//   - outWait1:          pipe to target socket full, wait for EPOLLOUT
//   - finRcvd0:          FIN (EPOLLRDHUP) seen from accepted socket
//   - finRcvd1:          FIN (EPOLLRDHUP) seen from target socket
//   - finSent0:          FIN (write shutdown) sent to accepted socket
//   - finSent1:          FIN (write shutdown) sent to target socket

import (
	"net/netip"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/internal/errx"
	"github.com/akerouanton/passt/pkg/epoll"
	"github.com/akerouanton/passt/pkg/logging"
	"github.com/akerouanton/passt/pkg/pif"
)

type connEvent uint8

const (
	spliceClosed      connEvent = 0
	spliceConnect     connEvent = 0x01
	spliceEstablished connEvent = 0x02
	outWait0          connEvent = 0x04
	outWait1          connEvent = 0x08
	finRcvd0          connEvent = 0x10
	finRcvd1          connEvent = 0x20
	finSent0          connEvent = 0x40
	finSent1          connEvent = 0x80
)

var spliceEventStr = map[connEvent]string{
	spliceConnect:     "CONNECT",
	spliceEstablished: "ESTABLISHED",
	outWait0:          "OUT_WAIT_0",
	outWait1:          "OUT_WAIT_1",
	finRcvd0:          "FIN_RCVD_0",
	finRcvd1:          "FIN_RCVD_1",
	finSent0:          "FIN_SENT_0",
	finSent1:          "FIN_SENT_1",
}

type connFlag uint8

const (
	spliceV6  connFlag = 0x01
	lowatSet0 connFlag = 0x02
	lowatSet1 connFlag = 0x04
	lowatAct0 connFlag = 0x08
	lowatAct1 connFlag = 0x10
	closing   connFlag = 0x20
)

var spliceFlagStr = map[connFlag]string{
	spliceV6:  "V6",
	lowatSet0: "RCVLOWAT_SET_0",
	lowatSet1: "RCVLOWAT_SET_1",
	lowatAct0: "RCVLOWAT_ACT_0",
	lowatAct1: "RCVLOWAT_ACT_1",
	closing:   "CLOSING",
}

// spliceConn is one spliced connection. Socket 0 is the accepted side,
// socket 1 the side connected to the target. pipe[d] carries bytes from
// s[d] to s[1-d]; read[d] and written[d] count the bytes that entered
// and left that pipe, so the direction is drained exactly when they are
// equal.
type spliceConn struct {
	idx    int32
	flowID string

	s    [2]int32
	pipe [2][2]int32

	read    [2]uint64
	written [2]uint64

	events  connEvent
	flags   connFlag
	inEpoll bool
}

func (c *spliceConn) setIndex(idx int32) { c.idx = idx }
func (c *spliceConn) index() int32       { return c.idx }

func (c *spliceConn) v6() bool { return c.flags&spliceV6 != 0 }

// spliceEpollEvents derives the readiness masks both sockets should
// carry for the given connection events.
func spliceEpollEvents(events connEvent) [2]uint32 {
	var ev [2]uint32

	if events&spliceEstablished != 0 {
		if events&finSent1 == 0 {
			ev[0] = unix.EPOLLIN | unix.EPOLLRDHUP
		}
		if events&finSent0 == 0 {
			ev[1] = unix.EPOLLIN | unix.EPOLLRDHUP
		}
	} else if events&spliceConnect != 0 {
		ev[1] = unix.EPOLLOUT
	}

	if events&outWait0 != 0 {
		ev[0] |= unix.EPOLLOUT
	}
	if events&outWait1 != 0 {
		ev[1] |= unix.EPOLLOUT
	}

	return ev
}

// epollCtl re-registers both sockets with the masks derived from the
// current events.
func (c *spliceConn) epollCtl(s *Stack) error {
	ev := spliceEpollEvents(c.events)
	ref := epoll.Ref{Type: epoll.RefSpliced, Index: c.idx}

	ctl := s.poller.Add
	if c.inEpoll {
		ctl = s.poller.Mod
	}

	if err := ctl(int(c.s[0]), ref, ev[0]); err != nil {
		s.log.Error("spliced connection readiness update failed",
			"index", c.idx, "error", err)
		return err
	}
	if err := ctl(int(c.s[1]), ref, ev[1]); err != nil {
		s.log.Error("spliced connection readiness update failed",
			"index", c.idx, "error", err)
		return err
	}

	c.inEpoll = true
	return nil
}

// setFlag sets a flag, logging the transition. Setting closing
// deregisters both sockets immediately.
func (c *spliceConn) setFlag(s *Stack, flag connFlag) {
	if c.flags&flag != 0 {
		return
	}
	c.flags |= flag
	s.log.Debug("spliced connection flag",
		"index", c.idx, "flag", spliceFlagStr[flag])

	if flag == closing {
		_ = s.poller.Del(int(c.s[0]))
		_ = s.poller.Del(int(c.s[1]))
	}
}

func (c *spliceConn) clearFlag(s *Stack, flag connFlag) {
	if c.flags&flag == 0 {
		return
	}
	c.flags &^= flag
	s.log.Debug("spliced connection flag dropped",
		"index", c.idx, "flag", spliceFlagStr[flag])
}

// setEvent records an event and updates the readiness registration to
// match. A registration failure is fatal for the connection.
func (c *spliceConn) setEvent(s *Stack, event connEvent) {
	if c.events&event != 0 {
		return
	}
	c.events |= event
	s.log.Debug("spliced connection event",
		"index", c.idx, "event", spliceEventStr[event])

	if c.epollCtl(s) != nil {
		c.setFlag(s, closing)
	}
}

func (c *spliceConn) clearEvent(s *Stack, event connEvent) {
	if c.events&event == 0 {
		return
	}
	c.events &^= event
	s.log.Debug("spliced connection event dropped",
		"index", c.idx, "event", spliceEventStr[event])

	if c.epollCtl(s) != nil {
		c.setFlag(s, closing)
	}
}

// tableMoved re-applies the readiness registration after the record was
// relocated by a table compaction: the descriptors are unchanged, only
// the index carried in each readiness reference is stale.
func (c *spliceConn) tableMoved(s *Stack) {
	if c.events == spliceClosed || c.flags&closing != 0 {
		return
	}
	if c.epollCtl(s) != nil {
		c.setFlag(s, closing)
	}
}

// connectFinish allocates the two pipe pairs, preferring the pool and
// creating fresh pairs on a miss, then marks the connection
// established.
func (c *spliceConn) connectFinish(s *Stack) error {
	for side := 0; side < 2; side++ {
		c.pipe[side][0], c.pipe[side][1] = -1, -1
		s.pipePoolTake(&c.pipe[side])

		if c.pipe[side][0] < 0 {
			var p [2]int
			if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
				s.log.Error("cannot create splice pipe",
					"index", c.idx, "side", side, "error", err)
				c.setFlag(s, closing)
				return errx.Wrap(ErrPipe, err)
			}
			if _, err := unix.FcntlInt(uintptr(p[0]),
				unix.F_SETPIPE_SZ, s.pipeSize); err != nil {
				s.log.Debug("cannot set splice pipe size",
					"index", c.idx, "size", s.pipeSize, "error", err)
			}
			c.pipe[side][0], c.pipe[side][1] = int32(p[0]), int32(p[1])
		}
	}

	if c.events&spliceEstablished == 0 {
		if c.events&spliceConnect != 0 {
			c.clearEvent(s, spliceConnect)
		}
		c.setEvent(s, spliceEstablished)
	}

	return nil
}

// connect initiates the outbound connect to the loopback destination.
// An in-progress connect leaves the connection in the CONNECT state,
// waiting for writability on socket 1.
func (c *spliceConn) connect(s *Stack, sockConn int32, port uint16) error {
	c.s[1] = sockConn

	if err := unix.SetsockoptInt(int(c.s[1]), unix.IPPROTO_TCP,
		unix.TCP_QUICKACK, 1); err != nil {
		s.log.Debug("failed to set TCP_QUICKACK",
			"fd", c.s[1], "error", err)
	}

	dst := netip.AddrFrom4([4]byte{127, 0, 0, 1})
	if c.v6() {
		dst = netip.IPv6Loopback()
	}
	sa := pif.Sockaddr(pif.Splice, dst, port, 0)

	if err := unix.Connect(int(c.s[1]), sa); err != nil {
		if err != unix.EINPROGRESS {
			unix.Close(int(sockConn))
			c.s[1] = -1
			return errx.Wrap(ErrConnect, err)
		}
		c.setEvent(s, spliceConnect)
		return nil
	}

	c.setEvent(s, spliceEstablished)
	return c.connectFinish(s)
}

// newConn opens the outbound socket for a fresh spliced connection and
// starts the connect.
//
// When the pool is empty the two origins take different approaches. For
// init-side sockets a new one is opened without refilling the pool, to
// keep latency down. For foreign-context sockets the cost of entering
// the namespace is being paid anyway, so the whole pool is refilled in
// the same trip.
func (c *spliceConn) newConn(s *Stack, port uint16, origin pif.Pif) error {
	var sock int32 = -1

	if origin == pif.Splice {
		pool := &s.initSockPool4
		af := unix.AF_INET
		if c.v6() {
			pool = &s.initSockPool6
			af = unix.AF_INET6
		}

		sock = pool.take()
		if sock < 0 {
			sock, _ = newConnSock(af)
		}
	} else {
		pool := &s.nsSockPool4
		if c.v6() {
			pool = &s.nsSockPool6
		}

		if pool.needsRefill() {
			s.nsSockRefill()
		}
		sock = pool.take()
	}

	if sock < 0 {
		s.log.Warn("couldn't open connectable socket for splice",
			"index", c.idx)
		return ErrNoSocket
	}

	return c.connect(s, sock, port)
}

// spliceFromSock attempts to claim an accepted connection for the
// spliced path. It declines (returning false, consuming nothing) when
// the peer is not loopback; the caller falls back to the tapped path.
func (s *Stack) spliceFromSock(l *Listener, sock int, sa unix.Sockaddr) bool {
	peer, ok := peerAddr(sa)
	if !ok || !peer.Unmap().IsLoopback() {
		return false
	}

	c := &spliceConn{flowID: uuid.NewString()}
	c.s[0], c.s[1] = int32(sock), -1
	if !peer.Unmap().Is4() {
		c.flags = spliceV6
	}

	if err := unix.SetsockoptInt(sock, unix.IPPROTO_TCP,
		unix.TCP_QUICKACK, 1); err != nil {
		s.log.Debug("failed to set TCP_QUICKACK", "fd", sock, "error", err)
	}

	s.tableClaim(c)

	if err := c.newConn(s, l.dstPort, l.origin); err != nil {
		c.setFlag(s, closing)
	}

	_ = s.emitter.Emit(logging.EventFlowSpliced, "spliced connection accepted",
		c.flowID, &logging.FlowSplicedData{
			Port: l.dstPort,
			V6:   c.v6(),
			Pif:  l.origin.String(),
		})

	return true
}

// dir resolves source, destination and pipe pair for one forwarding
// pass. With reverse set, ref is the destination socket (its direction
// was blocked on writability); otherwise ref is the source.
func (c *spliceConn) dir(ref int32, reverse bool) (from, to int32, pipes *[2]int32) {
	if !reverse {
		from = ref
		to = c.s[1]
		if from == c.s[1] {
			to = c.s[0]
		}
	} else {
		to = ref
		from = c.s[1]
		if to == c.s[1] {
			from = c.s[0]
		}
	}

	pipes = &c.pipe[1]
	if from == c.s[0] {
		pipes = &c.pipe[0]
	}
	return from, to, pipes
}

// destroy closes both sockets and both pipe pairs, resets the record
// and frees its table slot. Pipes are never recycled into the pool:
// flushing leftover bytes could block.
func (c *spliceConn) destroy(s *Stack) {
	bytesIn, bytesOut := c.written[0], c.written[1]

	for side := 0; side < 2; side++ {
		if c.pipe[side][0] != -1 {
			unix.Close(int(c.pipe[side][0]))
			unix.Close(int(c.pipe[side][1]))
			c.pipe[side][0], c.pipe[side][1] = -1, -1
		}

		if c.s[side] != -1 {
			unix.Close(int(c.s[side]))
			c.s[side] = -1
		}

		c.read[side], c.written[side] = 0, 0
	}

	c.events = spliceClosed
	c.flags = 0
	c.inEpoll = false
	s.log.Debug("spliced connection closed", "index", c.idx)

	_ = s.emitter.Emit(logging.EventFlowClosed, "spliced connection closed",
		c.flowID, &logging.FlowClosedData{
			BytesIn:  bytesIn,
			BytesOut: bytesOut,
		})

	s.tableCompact(c.idx)
}

// timer runs periodic maintenance: a raised receive low-watermark that
// saw no activity since the last sweep is lowered back to 1 so pending
// bytes can't be stranded, and the activity markers are re-armed.
func (c *spliceConn) timer(s *Stack) {
	if c.flags&closing != 0 {
		c.destroy(s)
		return
	}

	for side := 0; side < 2; side++ {
		set, act := lowatSet0, lowatAct0
		if side == 1 {
			set, act = lowatSet1, lowatAct1
		}

		if c.flags&set != 0 && c.flags&act == 0 {
			if err := unix.SetsockoptInt(int(c.s[side]), unix.SOL_SOCKET,
				unix.SO_RCVLOWAT, 1); err != nil {
				s.log.Debug("can't lower SO_RCVLOWAT",
					"fd", c.s[side], "error", err)
			}
			c.clearFlag(s, set)
		}
	}

	c.clearFlag(s, lowatAct0)
	c.clearFlag(s, lowatAct1)
}

// splice wraps the raw syscall; n is -1 on error, mirroring the kernel
// interface.
func splice(from, to int, max int, flags int) (int, error) {
	n, err := unix.Splice(from, nil, to, nil, max, flags)
	return int(n), err
}

// sockHandler advances forwarding for a connection whose socket
// reported readiness. It forwards one direction until the source runs
// dry or the destination blocks, then opportunistically the reverse
// direction if the event carried both readable and writable.
func (c *spliceConn) sockHandler(s *Stack, sock int32, events uint32) {
	var (
		from, to   int32
		pipes      *[2]int32
		seqRead    *uint64
		seqWrite   *uint64
		lowatSet   connFlag
		lowatAct   connFlag
		eof        bool
		neverRead  bool
		burst      int
		readLen    int
		toWrite    int
		written    int
		moreFlag   int
		err        error
	)

	if c.events == spliceClosed {
		return
	}

	if events&unix.EPOLLERR != 0 {
		goto closeConn
	}

	if c.events == spliceConnect {
		if events&unix.EPOLLOUT == 0 {
			goto closeConn
		}
		if c.connectFinish(s) != nil {
			goto closeConn
		}
	}

	if events&unix.EPOLLOUT != 0 {
		if sock == c.s[0] {
			c.clearEvent(s, outWait0)
		} else {
			c.clearEvent(s, outWait1)
		}
		from, to, pipes = c.dir(sock, true)
	} else {
		from, to, pipes = c.dir(sock, false)
	}

	if events&unix.EPOLLRDHUP != 0 {
		if sock == c.s[0] {
			c.setEvent(s, finRcvd0)
		} else {
			c.setEvent(s, finRcvd1)
		}
	}

	if events&unix.EPOLLHUP != 0 {
		// No event exists for "our FIN was sent": a full hangup
		// implies the remote teardown already covers it.
		if sock == c.s[0] {
			c.setEvent(s, finSent0)
		} else {
			c.setEvent(s, finSent1)
		}
	}

swap:
	eof = false
	neverRead = true
	burst = 0

	if from == c.s[0] {
		seqRead, seqWrite = &c.read[0], &c.written[0]
		lowatSet, lowatAct = lowatSet0, lowatAct0
	} else {
		seqRead, seqWrite = &c.read[1], &c.written[1]
		lowatSet, lowatAct = lowatSet1, lowatAct1
	}

	for {
		toWrite = 0
		moreFlag = 0

	retry:
		readLen, err = splice(int(from), int(pipes[1]), s.pipeSize,
			unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if readLen < 0 {
			if err == unix.EINTR {
				goto retry
			}
			if err != unix.EAGAIN {
				goto closeConn
			}
			// Nothing new to read: default to a full drain
			// attempt on the pipe below.
			toWrite = s.pipeSize
		} else if readLen == 0 {
			eof = true
			toWrite = s.pipeSize
		} else {
			neverRead = false
			burst += readLen
			toWrite += readLen
			*seqRead += uint64(readLen)
			if readLen >= s.pipeSize*90/100 {
				moreFlag = unix.SPLICE_F_MORE
			}
			if c.flags&lowatSet != 0 {
				c.setFlag(s, lowatAct)
			}
		}

	eintr:
		written, err = splice(int(pipes[0]), int(to), toWrite,
			unix.SPLICE_F_MOVE|moreFlag|unix.SPLICE_F_NONBLOCK)
		if written > 0 {
			*seqWrite += uint64(written)
		}

		// Most common case: everything read went straight out.
		if readLen > 0 && readLen == written {
			if readLen >= s.pipeSize*10/100 {
				continue
			}

			// A small tail read ending a meaningful burst:
			// raise the source's receive low-watermark so
			// trickling data stops waking us on every
			// segment.
			if c.flags&lowatSet == 0 && burst > s.pipeSize/10 {
				lowat := s.pipeSize / 4
				if err := unix.SetsockoptInt(int(from), unix.SOL_SOCKET,
					unix.SO_RCVLOWAT, lowat); err != nil {
					s.log.Debug("can't raise SO_RCVLOWAT",
						"fd", from, "error", err)
				} else {
					c.setFlag(s, lowatSet)
					c.setFlag(s, lowatAct)
				}
			}

			break
		}

		if written < 0 {
			if err == unix.EINTR {
				goto eintr
			}
			if err != unix.EAGAIN {
				goto closeConn
			}

			if neverRead {
				break
			}

			if to == c.s[0] {
				c.setEvent(s, outWait0)
			} else {
				c.setEvent(s, outWait1)
			}
			break
		}

		if neverRead && written == s.pipeSize {
			goto retry
		}

		if !neverRead && written < toWrite {
			toWrite -= written
			goto retry
		}

		if eof {
			break
		}
	}

	if c.events&finRcvd0 != 0 && c.events&finSent1 == 0 {
		if *seqRead == *seqWrite && eof {
			_ = unix.Shutdown(int(c.s[1]), unix.SHUT_WR)
			c.setEvent(s, finSent1)
		}
	}

	if c.events&finRcvd1 != 0 && c.events&finSent0 == 0 {
		if *seqRead == *seqWrite && eof {
			_ = unix.Shutdown(int(c.s[0]), unix.SHUT_WR)
			c.setEvent(s, finSent0)
		}
	}

	if c.events&(finSent0|finSent1) == finSent0|finSent1 {
		c.destroy(s)
		return
	}

	if events&(unix.EPOLLIN|unix.EPOLLOUT) == unix.EPOLLIN|unix.EPOLLOUT {
		events = unix.EPOLLIN

		from, to = to, from
		if pipes == &c.pipe[0] {
			pipes = &c.pipe[1]
		} else {
			pipes = &c.pipe[0]
		}

		goto swap
	}

	if events&unix.EPOLLHUP != 0 {
		goto closeConn
	}

	return

closeConn:
	c.setFlag(s, closing)
}

// peerAddr extracts the peer address from an accepted sockaddr.
func peerAddr(sa unix.Sockaddr) (netip.Addr, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(a.Addr), true
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(a.Addr), true
	}
	return netip.Addr{}, false
}
