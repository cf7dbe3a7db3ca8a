// Package pif defines the kinds of network interfaces ("pifs") a
// connection can originate from or be directed to. Every tracked flow
// carries the pif it was accepted on, which decides how the outbound
// side of the flow is opened.
package pif

// Pif identifies one interface kind.
type Pif uint8

const (
	// None is the zero value, valid for no interface.
	None Pif = iota
	// Host is the host-facing socket interface.
	Host
	// Tap is the guest-facing tap interface.
	Tap
	// Splice is the loopback interface inside the guest network
	// context, used for direct socket-to-socket forwarding.
	Splice
)

var pifStr = map[Pif]string{
	None:   "<none>",
	Host:   "HOST",
	Tap:    "TAP",
	Splice: "SPLICE",
}

func (p Pif) String() string {
	if s, ok := pifStr[p]; ok {
		return s
	}
	return "<invalid>"
}

// IsSocket reports whether sockets can be opened on interfaces of this
// kind. Tap traffic is frame-based and never carries a socket.
func (p Pif) IsSocket() bool {
	return p == Host || p == Splice
}
