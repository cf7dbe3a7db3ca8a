package pif

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// Sockaddr builds the socket address used to reach addr:port through an
// interface of kind p. Link-local IPv6 destinations on the host side
// need the interface scope; everywhere else the scope must stay zero so
// the kernel routes through loopback.
func Sockaddr(p Pif, addr netip.Addr, port uint16, scopeIfi uint32) unix.Sockaddr {
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{
			Port: int(port),
			Addr: addr.Unmap().As4(),
		}
	}

	sa := &unix.SockaddrInet6{
		Port: int(port),
		Addr: addr.As16(),
	}
	if p == Host && addr.IsLinkLocalUnicast() {
		sa.ZoneId = scopeIfi
	}
	return sa
}
