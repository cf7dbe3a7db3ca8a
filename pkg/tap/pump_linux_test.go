package tap

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/pkg/pcap"
)

// pumpHarness emulates both sides of a pump with datagram socketpairs:
// tap[0] plays the guest, stack[1] plays the network stack.
type pumpHarness struct {
	guestFD int
	stackFD int
}

func startPump(t *testing.T, arp *Responder, capture *pcap.Writer) *pumpHarness {
	t.Helper()

	tapPair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	stackPair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	p := NewPump(tapPair[1], stackPair[0], arp, capture, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		unix.Close(tapPair[0])
		unix.Close(stackPair[1])
	})

	return &pumpHarness{guestFD: tapPair[0], stackFD: stackPair[1]}
}

func recvFrame(t *testing.T, fd int) []byte {
	t.Helper()

	require.NoError(t, unix.SetNonblock(fd, true))
	defer unix.SetNonblock(fd, false)

	buf := make([]byte, frameBufSize)
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := unix.Read(fd, buf)
		if err == nil && n > 0 {
			return append([]byte(nil), buf[:n]...)
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a frame")
		}
		time.Sleep(time.Millisecond)
	}
}

// ipv4Frame builds a minimal Ethernet frame with an IPv4 ethertype and
// an opaque payload.
func ipv4Frame(payload []byte) []byte {
	frame := make([]byte, EthHeaderLen+len(payload))
	copy(frame[0:6], testGatewayMAC[:])
	copy(frame[6:12], testGuestMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)
	copy(frame[EthHeaderLen:], payload)
	return frame
}

func TestPump_ForwardsFramesBothWays(t *testing.T) {
	h := startPump(t, testResponder(), nil)

	out := ipv4Frame([]byte("guest to stack"))
	_, err := unix.Write(h.guestFD, out)
	require.NoError(t, err)
	assert.Equal(t, out, recvFrame(t, h.stackFD))

	in := ipv4Frame([]byte("stack to guest"))
	_, err = unix.Write(h.stackFD, in)
	require.NoError(t, err)
	assert.Equal(t, in, recvFrame(t, h.guestFD))
}

func TestPump_AnswersGatewayARPOnTapSide(t *testing.T) {
	h := startPump(t, testResponder(), nil)

	req := arpRequest(testGuestMAC, testGuestIP, testGatewayIP)
	_, err := unix.Write(h.guestFD, req)
	require.NoError(t, err)

	reply := recvFrame(t, h.guestFD)
	require.Len(t, reply, EthHeaderLen+arpPacketLen)
	assert.EqualValues(t, etherTypeARP, binary.BigEndian.Uint16(reply[12:14]))
	assert.EqualValues(t, arpOpReply, binary.BigEndian.Uint16(reply[EthHeaderLen+6:]))
	assert.Equal(t, testGatewayMAC[:], reply[6:12])
}

func TestPump_UnrelatedARPPassesThrough(t *testing.T) {
	h := startPump(t, testResponder(), nil)

	req := arpRequest(testGuestMAC, testGuestIP, [4]byte{10, 0, 0, 1})
	_, err := unix.Write(h.guestFD, req)
	require.NoError(t, err)

	assert.Equal(t, req, recvFrame(t, h.stackFD),
		"requests for foreign addresses reach the stack")
}

func TestPump_CapturesFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pump.pcap")
	capture, err := pcap.New(path, nil)
	require.NoError(t, err)

	h := startPump(t, nil, capture)

	frame := ipv4Frame([]byte("captured"))
	_, err = unix.Write(h.guestFD, frame)
	require.NoError(t, err)
	recvFrame(t, h.stackFD)

	require.NoError(t, capture.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Greater(t, len(raw), 24, "capture holds at least one record")
}
