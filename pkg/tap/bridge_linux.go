package tap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/fdbased"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/akerouanton/passt/internal/errx"
	"github.com/akerouanton/passt/pkg/netns"
	"github.com/akerouanton/passt/pkg/pcap"
)

const bridgeNICID = 1

// Config describes the guest side of the tap bridge.
type Config struct {
	// NS enters the guest network namespace owning the tap device.
	NS netns.Doer

	// TapName is the tap interface inside the namespace.
	TapName string

	// GuestIP and GatewayIP are the IPv4 addresses of the guest and
	// of the bridge itself.
	GuestIP   string
	GatewayIP string

	// GatewayMAC is the hardware address presented to the guest.
	GatewayMAC string

	MTU int

	// Pcap, when set, captures every frame crossing the tap.
	Pcap *pcap.Writer

	Logger *slog.Logger
}

// Bridge runs a user-space network stack against the guest tap device.
// Guest-originated connections are relayed to host sockets; the host
// side dials into the guest through DialGuest for tapped inbound
// connections.
type Bridge struct {
	stack   *stack.Stack
	pump    *Pump
	guestIP netip.Addr
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewBridge opens the tap device inside the namespace, wires it to a
// fresh network stack through a frame pump and installs the TCP
// forwarder for guest-originated traffic.
func NewBridge(cfg *Config) (*Bridge, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	guestIP, err := netip.ParseAddr(cfg.GuestIP)
	if err != nil {
		return nil, errx.With(ErrInvalidAddr, ": guest IP: %w", err)
	}
	gatewayIP, err := netip.ParseAddr(cfg.GatewayIP)
	if err != nil {
		return nil, errx.With(ErrInvalidAddr, ": gateway IP: %w", err)
	}
	mac, err := net.ParseMAC(cfg.GatewayMAC)
	if err != nil {
		return nil, errx.With(ErrInvalidAddr, ": gateway MAC: %w", err)
	}

	tapFD, err := OpenDevice(cfg.NS, cfg.TapName)
	if err != nil {
		return nil, err
	}

	// A datagram socketpair between the pump and the stack keeps
	// frame boundaries intact in both directions.
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		unix.Close(tapFD)
		return nil, errx.Wrap(ErrSocketPair, err)
	}

	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
			arp.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	fail := func(err error) (*Bridge, error) {
		s.Close()
		unix.Close(tapFD)
		unix.Close(sp[0])
		unix.Close(sp[1])
		return nil, err
	}

	linkEP, err := fdbased.New(&fdbased.Options{
		FDs:            []int{sp[1]},
		MTU:            uint32(cfg.MTU),
		EthernetHeader: true,
		Address:        tcpip.LinkAddress(mac),
	})
	if err != nil {
		return fail(errx.With(ErrStackSetup, ": link endpoint: %w", err))
	}

	if tcpipErr := s.CreateNIC(bridgeNICID, linkEP); tcpipErr != nil {
		return fail(errx.With(ErrStackSetup, ": create NIC: %v", tcpipErr))
	}

	gatewayAddr := tcpip.AddrFromSlice(gatewayIP.AsSlice())
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: gatewayAddr.WithPrefix(),
	}
	if tcpipErr := s.AddProtocolAddress(bridgeNICID, protoAddr, stack.AddressProperties{}); tcpipErr != nil {
		return fail(errx.With(ErrStackSetup, ": add address: %v", tcpipErr))
	}

	s.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         bridgeNICID,
	}})

	s.SetPromiscuousMode(bridgeNICID, true)
	s.SetSpoofing(bridgeNICID, true)

	b := &Bridge{
		stack:   s,
		guestIP: guestIP,
		log:     logger,
	}

	tcpForwarder := tcp.NewForwarder(s, 0, 65535, b.handleTCPConnection)
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpForwarder.HandlePacket)

	var responder *Responder
	if guestIP.Is4() && gatewayIP.Is4() {
		responder = &Responder{
			OurIP: gatewayIP.As4(),
		}
		copy(responder.OurMAC[:], mac)
	}

	b.pump = NewPump(tapFD, sp[0], responder, cfg.Pcap, logger)

	return b, nil
}

// Run drives the frame pump until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	b.pump.Run(ctx)
}

// handleTCPConnection relays a guest-originated connection to the
// corresponding host socket.
func (b *Bridge) handleTCPConnection(r *tcp.ForwarderRequest) {
	id := r.ID()

	var wq waiter.Queue
	ep, tcpipErr := r.CreateEndpoint(&wq)
	if tcpipErr != nil {
		r.Complete(true)
		return
	}
	r.Complete(false)

	guestConn := gonet.NewTCPConn(&wq, ep)
	host := fmt.Sprintf("%s:%d", id.LocalAddress.String(), id.LocalPort)

	go b.relayToHost(guestConn, host)
}

func (b *Bridge) relayToHost(guestConn net.Conn, host string) {
	defer guestConn.Close()

	hostConn, err := net.Dial("tcp", host)
	if err != nil {
		b.log.Debug("host dial failed", "host", host, "error", err)
		return
	}
	defer hostConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(hostConn, guestConn)
		closeWrite(hostConn)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(guestConn, hostConn)
		closeWrite(guestConn)
	}()
	wg.Wait()
}

// closeWrite half-closes a relay leg so EOF propagates while the
// opposite direction can still flow.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// DialGuest opens a TCP connection to the guest through the bridge
// stack. Used by the host side to relay tapped inbound connections.
func (b *Bridge) DialGuest(ctx context.Context, port uint16, v6 bool) (net.Conn, error) {
	if v6 {
		return nil, errx.With(ErrGuestDial, ": IPv6 tapped relay is not wired")
	}

	addr := tcpip.FullAddress{
		NIC:  bridgeNICID,
		Addr: tcpip.AddrFromSlice(b.guestIP.AsSlice()),
		Port: port,
	}

	conn, err := gonet.DialContextTCP(ctx, b.stack, addr, ipv4.ProtocolNumber)
	if err != nil {
		return nil, errx.Wrap(ErrGuestDial, err)
	}
	return conn, nil
}

// Close shuts the pump and the stack down.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	b.pump.Close()
	b.stack.Close()
	return nil
}
