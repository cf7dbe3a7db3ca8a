package tap

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/pkg/pcap"
)

// frameBufSize fits any frame the tap can hand us in one read.
const frameBufSize = 65536

// Pump shuttles Ethernet frames between the tap device and the stack
// descriptor (one end of a datagram socketpair feeding the user-space
// network stack). Gateway ARP requests are answered directly on the tap
// side without a round trip through the stack, and every frame that
// crosses the pump is fed to the capture writer.
type Pump struct {
	tapFD   int
	stackFD int

	arp  *Responder
	pcap *pcap.Writer
	log  *slog.Logger

	closeOnce sync.Once
}

// NewPump wires a pump between the two descriptors. Both must preserve
// packet boundaries (a tap device and a datagram socketpair do). arp
// and capture may be nil.
func NewPump(tapFD, stackFD int, arp *Responder, capture *pcap.Writer, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		tapFD:   tapFD,
		stackFD: stackFD,
		arp:     arp,
		pcap:    capture,
		log:     logger,
	}
}

// Run moves frames in both directions until the context is cancelled
// or either descriptor fails.
func (p *Pump) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, p.Close)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.tapToStack()
		p.Close()
	}()
	go func() {
		defer wg.Done()
		p.stackToTap()
		p.Close()
	}()
	wg.Wait()
}

func (p *Pump) tapToStack() {
	buf := make([]byte, frameBufSize)

	for {
		n, err := unix.Read(p.tapFD, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return
		}

		frame := buf[:n]
		p.pcap.Frame(frame)

		if p.arp != nil {
			if reply, handled := p.arp.Reply(frame); handled {
				if reply != nil {
					p.pcap.Frame(reply)
					if _, err := unix.Write(p.tapFD, reply); err != nil {
						p.log.Debug("arp reply write failed", "error", err)
					}
				}
				continue
			}
		}

		if _, err := unix.Write(p.stackFD, frame); err != nil {
			if err == unix.EINTR || err == unix.ENOBUFS || err == unix.EAGAIN {
				continue
			}
			return
		}
	}
}

func (p *Pump) stackToTap() {
	buf := make([]byte, frameBufSize)

	for {
		n, err := unix.Read(p.stackFD, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return
		}

		frame := buf[:n]
		p.pcap.Frame(frame)

		if _, err := unix.Write(p.tapFD, frame); err != nil {
			if err == unix.EINTR || err == unix.ENOBUFS || err == unix.EAGAIN {
				continue
			}
			return
		}
	}
}

// Close tears both descriptors down, unblocking the pump loops. The
// shutdown wakes reads blocked on socket descriptors; a read blocked on
// a tap device is not interrupted and returns only when the device
// delivers a frame or fails.
func (p *Pump) Close() {
	p.closeOnce.Do(func() {
		_ = unix.Shutdown(p.tapFD, unix.SHUT_RDWR)
		_ = unix.Shutdown(p.stackFD, unix.SHUT_RDWR)
		unix.Close(p.tapFD)
		unix.Close(p.stackFD)
	})
}
