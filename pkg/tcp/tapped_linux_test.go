package tcp

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/pkg/pif"
)

// fakeGuestDialer stands in for the tap bridge: "the guest" is a plain
// host-side echo listener.
type fakeGuestDialer struct {
	target string
	dials  atomic.Int32
}

func (d *fakeGuestDialer) DialGuest(ctx context.Context, _ uint16, _ bool) (net.Conn, error) {
	d.dials.Add(1)
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", d.target)
}

func TestTapped_RelayAndReap(t *testing.T) {
	// Guest-side echo server, reached through the dialer.
	guest, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer guest.Close()
	go func() {
		conn, err := guest.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	dialer := &fakeGuestDialer{target: guest.Addr().String()}

	ns := &fakeNS{}
	s, err := NewStack(&Config{
		NS:          ns,
		GuestDialer: dialer,
		IPv4:        true,
	})
	require.NoError(t, err)

	// Host-side connection pair standing in for a non-loopback
	// accept.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	accepted, err := ln.Accept()
	require.NoError(t, err)
	acceptedFD := dupConnFD(t, accepted.(*net.TCPConn))
	accepted.Close()

	l := &Listener{dstPort: 80, origin: pif.Host}
	sa := &unix.SockaddrInet4{Port: 40000, Addr: [4]byte{203, 0, 113, 5}}
	s.tappedFromSock(l, int(acceptedFD), sa)
	require.Len(t, s.table, 1)

	startLoop(t, s)

	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Write([]byte("via the tap"))
	require.NoError(t, err)

	buf := make([]byte, 11)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "via the tap", string(buf))
	assert.EqualValues(t, 1, dialer.dials.Load())

	// Closing the client ends the relay; the loop wakeup reaps the
	// record.
	client.Close()
	require.Eventually(t, func() bool {
		return s.Stats().Tapped == 0
	}, 5*time.Second, 50*time.Millisecond)
}
