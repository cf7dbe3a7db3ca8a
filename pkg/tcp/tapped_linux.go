package tcp

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/pkg/logging"
)

// GuestDialer opens a TCP connection to the guest on the tapped path.
// Implementations dial through the guest-facing network stack, not
// through the host's routing table.
type GuestDialer interface {
	DialGuest(ctx context.Context, port uint16, v6 bool) (net.Conn, error)
}

// tappedConn is a connection whose peer is not loopback: its payload is
// relayed into the guest through the tap bridge instead of being
// spliced. The byte shuffling runs on its own goroutines; the record
// only exists so the shared table sees every tracked connection and can
// reclaim the slot once the relay reports completion through the loop
// wakeup.
type tappedConn struct {
	idx    int32
	flowID string

	host  net.Conn
	guest net.Conn

	dstPort uint16
	v6      bool

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	cancel context.CancelFunc
	done   atomic.Bool
}

func (t *tappedConn) setIndex(idx int32) { t.idx = idx }
func (t *tappedConn) index() int32       { return t.idx }

// tableMoved is a no-op: tapped records hold no index-carrying
// readiness registrations.
func (t *tappedConn) tableMoved(*Stack) {}

func (t *tappedConn) timer(s *Stack) {
	if t.done.Load() {
		t.destroy(s)
	}
}

func (t *tappedConn) destroy(s *Stack) {
	t.cancel()
	if t.host != nil {
		_ = t.host.Close()
	}
	if t.guest != nil {
		_ = t.guest.Close()
	}

	s.log.Debug("tapped connection closed", "index", t.idx)
	_ = s.emitter.Emit(logging.EventFlowClosed, "tapped connection closed",
		t.flowID, &logging.FlowClosedData{
			BytesIn:  t.bytesIn.Load(),
			BytesOut: t.bytesOut.Load(),
		})

	s.tableCompact(t.idx)
}

// tappedFromSock claims an accepted non-loopback connection for the
// tapped path and starts the relay.
func (s *Stack) tappedFromSock(l *Listener, nfd int, sa unix.Sockaddr) {
	f := os.NewFile(uintptr(nfd), "tapped-conn")
	hostConn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		s.log.Warn("tapped connection setup failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &tappedConn{
		flowID:  uuid.NewString(),
		host:    hostConn,
		dstPort: l.dstPort,
		v6:      l.v6,
		cancel:  cancel,
	}
	s.tableClaim(t)

	peer := ""
	if addr, ok := peerAddr(sa); ok {
		peer = addr.Unmap().String()
	}
	_ = s.emitter.Emit(logging.EventFlowTapped, "tapped connection accepted",
		t.flowID, &logging.FlowTappedData{
			Port: l.dstPort,
			Peer: peer,
		})

	go t.relay(s, ctx)
}

// relay dials the guest and shuffles bytes in both directions until
// both sides are done, then asks the loop to reclaim the record.
func (t *tappedConn) relay(s *Stack, ctx context.Context) {
	defer func() {
		t.done.Store(true)
		s.wake()
	}()

	guest, err := s.guestDial.DialGuest(ctx, t.dstPort, t.v6)
	if err != nil {
		s.log.Debug("guest dial failed", "port", t.dstPort, "error", err)
		_ = t.host.Close()
		return
	}
	t.guest = guest

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(guest, t.host)
		t.bytesIn.Add(uint64(n))
		closeWrite(guest)
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(t.host, guest)
		t.bytesOut.Add(uint64(n))
		closeWrite(t.host)
	}()
	wg.Wait()
}

// closeWrite half-closes a relay leg so EOF propagates to the other
// peer while its answer can still flow.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
