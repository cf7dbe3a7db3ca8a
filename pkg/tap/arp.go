// Package tap bridges the guest-facing tap device with the host: a
// frame pump shuttles Ethernet frames between the tap and a user-space
// network stack, answering gateway ARP queries in place and optionally
// capturing traffic to a pcap file.
package tap

import "encoding/binary"

const (
	// EthHeaderLen is the length of an Ethernet II header.
	EthHeaderLen = 14

	// arpPacketLen is the length of an IPv4-over-Ethernet ARP
	// packet, without the Ethernet header.
	arpPacketLen = 28

	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	arpHTypeEther = 1
	arpOpRequest  = 1
	arpOpReply    = 2
)

// Responder answers ARP requests for the gateway address so the guest
// can resolve its default route without a real peer on the link.
type Responder struct {
	// OurMAC is the hardware address presented to the guest.
	OurMAC [6]byte

	// OurIP is the gateway address the responder answers for.
	OurIP [4]byte
}

// Reply inspects an Ethernet frame and, when it carries an ARP request
// this responder should answer, builds the reply frame.
//
// handled reports that the frame was consumed: it must not be forwarded
// further even when no reply is produced (gratuitous announcements for
// our own address). Everything else passes through untouched so the
// stack behind the pump still sees ARP replies it may be waiting for.
func (r *Responder) Reply(frame []byte) (reply []byte, handled bool) {
	if len(frame) < EthHeaderLen+arpPacketLen {
		return nil, false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeARP {
		return nil, false
	}

	arp := frame[EthHeaderLen:]
	if binary.BigEndian.Uint16(arp[0:2]) != arpHTypeEther ||
		binary.BigEndian.Uint16(arp[2:4]) != etherTypeIPv4 ||
		arp[4] != 6 || arp[5] != 4 ||
		binary.BigEndian.Uint16(arp[6:8]) != arpOpRequest {
		return nil, false
	}

	var sha [6]byte
	var sip, tip [4]byte
	copy(sha[:], arp[8:14])
	copy(sip[:], arp[14:18])
	copy(tip[:], arp[24:28])

	if tip != r.OurIP {
		return nil, false
	}

	// Announcements for our address carry sender == target; consume
	// them without replying. All-zero senders are probes and do get
	// an answer.
	if sip != ([4]byte{}) && sip == tip {
		return nil, true
	}

	reply = make([]byte, EthHeaderLen+arpPacketLen)
	copy(reply[0:6], frame[6:12]) // back to the requester
	copy(reply[6:12], r.OurMAC[:])
	binary.BigEndian.PutUint16(reply[12:14], etherTypeARP)

	a := reply[EthHeaderLen:]
	binary.BigEndian.PutUint16(a[0:2], arpHTypeEther)
	binary.BigEndian.PutUint16(a[2:4], etherTypeIPv4)
	a[4], a[5] = 6, 4
	binary.BigEndian.PutUint16(a[6:8], arpOpReply)
	copy(a[8:14], r.OurMAC[:])
	copy(a[14:18], tip[:])
	copy(a[18:24], sha[:])
	copy(a[24:28], sip[:])

	return reply, true
}
