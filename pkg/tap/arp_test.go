package tap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testGatewayMAC = [6]byte{0x9a, 0x55, 0x9a, 0x55, 0x9a, 0x55}
	testGatewayIP  = [4]byte{192, 168, 122, 1}
	testGuestMAC   = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	testGuestIP    = [4]byte{192, 168, 122, 2}
)

func testResponder() *Responder {
	return &Responder{
		OurMAC: testGatewayMAC,
		OurIP:  testGatewayIP,
	}
}

// arpRequest builds an Ethernet ARP request frame.
func arpRequest(sha [6]byte, sip, tip [4]byte) []byte {
	frame := make([]byte, EthHeaderLen+arpPacketLen)
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], sha[:])
	binary.BigEndian.PutUint16(frame[12:14], etherTypeARP)

	a := frame[EthHeaderLen:]
	binary.BigEndian.PutUint16(a[0:2], arpHTypeEther)
	binary.BigEndian.PutUint16(a[2:4], etherTypeIPv4)
	a[4], a[5] = 6, 4
	binary.BigEndian.PutUint16(a[6:8], arpOpRequest)
	copy(a[8:14], sha[:])
	copy(a[14:18], sip[:])
	copy(a[18:24], make([]byte, 6))
	copy(a[24:28], tip[:])
	return frame
}

func TestResponder_AnswersGatewayRequest(t *testing.T) {
	r := testResponder()

	reply, handled := r.Reply(arpRequest(testGuestMAC, testGuestIP, testGatewayIP))
	require.True(t, handled)
	require.NotNil(t, reply)
	require.Len(t, reply, EthHeaderLen+arpPacketLen)

	assert.Equal(t, testGuestMAC[:], reply[0:6], "addressed back to the requester")
	assert.Equal(t, testGatewayMAC[:], reply[6:12])
	assert.EqualValues(t, etherTypeARP, binary.BigEndian.Uint16(reply[12:14]))

	a := reply[EthHeaderLen:]
	assert.EqualValues(t, arpOpReply, binary.BigEndian.Uint16(a[6:8]))
	assert.Equal(t, testGatewayMAC[:], a[8:14], "sender hardware address is ours")
	assert.Equal(t, testGatewayIP[:], a[14:18], "sender IP is the requested address")
	assert.Equal(t, testGuestMAC[:], a[18:24])
	assert.Equal(t, testGuestIP[:], a[24:28])
}

func TestResponder_AnswersProbes(t *testing.T) {
	r := testResponder()

	// All-zero sender IP is an address probe; it still deserves an
	// answer.
	reply, handled := r.Reply(arpRequest(testGuestMAC, [4]byte{}, testGatewayIP))
	assert.True(t, handled)
	assert.NotNil(t, reply)
}

func TestResponder_ConsumesAnnouncementsSilently(t *testing.T) {
	r := testResponder()

	// Gratuitous announcement: sender == target == our address.
	reply, handled := r.Reply(arpRequest(testGuestMAC, testGatewayIP, testGatewayIP))
	assert.True(t, handled)
	assert.Nil(t, reply)
}

func TestResponder_PassesThroughUnrelatedFrames(t *testing.T) {
	r := testResponder()

	// Request for an address we don't own.
	_, handled := r.Reply(arpRequest(testGuestMAC, testGuestIP, [4]byte{10, 0, 0, 1}))
	assert.False(t, handled)

	// Request for the guest's own address (duplicate detection).
	_, handled = r.Reply(arpRequest(testGuestMAC, [4]byte{}, testGuestIP))
	assert.False(t, handled)

	// Non-ARP ethertype.
	frame := arpRequest(testGuestMAC, testGuestIP, testGatewayIP)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)
	_, handled = r.Reply(frame)
	assert.False(t, handled)

	// ARP reply, not a request: the stack behind the pump may be
	// waiting for it.
	frame = arpRequest(testGuestMAC, testGuestIP, testGatewayIP)
	binary.BigEndian.PutUint16(frame[EthHeaderLen+6:], arpOpReply)
	_, handled = r.Reply(frame)
	assert.False(t, handled)

	// Truncated frame.
	_, handled = r.Reply(frame[:20])
	assert.False(t, handled)
}
