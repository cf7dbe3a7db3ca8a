package tcp

import (
	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/internal/errx"
	"github.com/akerouanton/passt/pkg/epoll"
	"github.com/akerouanton/passt/pkg/pif"
)

const listenBacklog = 128

// Listener is one listening socket owned by the stack. It carries the
// destination port (after any remapping) and the interface kind the
// forwarded connection originates from, which together decide how the
// outbound side is opened.
type Listener struct {
	fd      int
	v6      bool
	port    uint16
	dstPort uint16
	origin  pif.Pif
}

// Listen opens a wildcard listening socket for one forwarded port and
// registers it with the readiness layer. With port 0 the kernel picks
// one; Port reports the bound value.
func (s *Stack) Listen(v6 bool, port, dstPort uint16, origin pif.Pif) (*Listener, error) {
	af := unix.AF_INET
	if v6 {
		af = unix.AF_INET6
	}

	fd, err := unix.Socket(af, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errx.Wrap(ErrListen, err)
	}

	cleanup := func(err error) (*Listener, error) {
		unix.Close(fd)
		return nil, errx.Wrap(ErrListen, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return cleanup(err)
	}

	var sa unix.Sockaddr
	if v6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return cleanup(err)
		}
		sa = &unix.SockaddrInet6{Port: int(port)}
	} else {
		sa = &unix.SockaddrInet4{Port: int(port)}
	}

	if err := unix.Bind(fd, sa); err != nil {
		return cleanup(err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return cleanup(err)
	}

	if port == 0 {
		bound, err := unix.Getsockname(fd)
		if err != nil {
			return cleanup(err)
		}
		switch a := bound.(type) {
		case *unix.SockaddrInet4:
			port = uint16(a.Port)
		case *unix.SockaddrInet6:
			port = uint16(a.Port)
		}
		if dstPort == 0 {
			dstPort = port
		}
	}

	l := &Listener{
		fd:      fd,
		v6:      v6,
		port:    port,
		dstPort: dstPort,
		origin:  origin,
	}

	idx := int32(len(s.listeners))
	if err := s.poller.Add(fd, epoll.Ref{Type: epoll.RefListen, Index: idx},
		unix.EPOLLIN); err != nil {
		return cleanup(err)
	}
	s.listeners = append(s.listeners, l)

	s.log.Info("listening", "port", l.port, "dst_port", l.dstPort,
		"v6", l.v6, "origin", l.origin.String())

	return l, nil
}

// Port reports the bound listening port.
func (l *Listener) Port() uint16 {
	return l.port
}

// acceptReady drains the accept queue of a ready listener.
func (s *Stack) acceptReady(l *Listener) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			s.log.Warn("accept failed", "port", l.port, "error", err)
			return
		}

		s.handleAccept(l, nfd, sa)
	}
}

// handleAccept hands a fresh connection to the spliced path, falling
// back to the tapped path (or dropping the connection when no guest
// bridge is wired) if the spliced path declines it.
func (s *Stack) handleAccept(l *Listener, nfd int, sa unix.Sockaddr) {
	if s.spliceFromSock(l, nfd, sa) {
		return
	}

	if s.guestDial == nil {
		s.log.Debug("no tapped path for non-loopback peer, dropping",
			"port", l.port)
		unix.Close(nfd)
		return
	}

	s.tappedFromSock(l, nfd, sa)
}
