package pif

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPif_String(t *testing.T) {
	assert.Equal(t, "<none>", None.String())
	assert.Equal(t, "HOST", Host.String())
	assert.Equal(t, "TAP", Tap.String())
	assert.Equal(t, "SPLICE", Splice.String())
	assert.Equal(t, "<invalid>", Pif(99).String())
}

func TestPif_IsSocket(t *testing.T) {
	assert.True(t, Host.IsSocket())
	assert.True(t, Splice.IsSocket())
	assert.False(t, Tap.IsSocket())
	assert.False(t, None.IsSocket())
}

func TestSockaddr_V4(t *testing.T) {
	sa := Sockaddr(Splice, netip.AddrFrom4([4]byte{127, 0, 0, 1}), 8080, 0)

	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, sa4.Addr)
	assert.Equal(t, 8080, sa4.Port)
}

func TestSockaddr_V4Mapped(t *testing.T) {
	mapped := netip.AddrFrom16([16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 127, 0, 0, 1})
	sa := Sockaddr(Splice, mapped, 22, 0)

	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok, "v4-mapped addresses use the IPv4 family")
	assert.Equal(t, [4]byte{127, 0, 0, 1}, sa4.Addr)
}

func TestSockaddr_V6LinkLocalScope(t *testing.T) {
	ll := netip.MustParseAddr("fe80::1")

	host := Sockaddr(Host, ll, 22, 3)
	sa6, ok := host.(*unix.SockaddrInet6)
	require.True(t, ok)
	assert.EqualValues(t, 3, sa6.ZoneId, "host link-local needs the interface scope")

	spliced := Sockaddr(Splice, ll, 22, 3)
	sa6, ok = spliced.(*unix.SockaddrInet6)
	require.True(t, ok)
	assert.Zero(t, sa6.ZoneId, "only the host side carries a scope")
}

func TestSockaddr_V6Loopback(t *testing.T) {
	sa := Sockaddr(Splice, netip.IPv6Loopback(), 443, 0)

	sa6, ok := sa.(*unix.SockaddrInet6)
	require.True(t, ok)
	assert.Equal(t, netip.IPv6Loopback().As16(), sa6.Addr)
	assert.Equal(t, 443, sa6.Port)
}
