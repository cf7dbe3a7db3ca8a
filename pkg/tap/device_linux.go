package tap

import (
	"golang.org/x/sys/unix"

	"github.com/akerouanton/passt/internal/errx"
	"github.com/akerouanton/passt/pkg/netns"
)

// OpenDevice opens the tap device inside the guest network namespace
// and brings the link up. The returned descriptor stays valid in the
// original context: namespaces scope interfaces, not file descriptors.
func OpenDevice(ns netns.Doer, name string) (int, error) {
	fd := -1

	err := ns.Do(func() error {
		tun, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return errx.Wrap(ErrOpenTap, err)
		}

		ifr, err := unix.NewIfreq(name)
		if err != nil {
			unix.Close(tun)
			return errx.Wrap(ErrOpenTap, err)
		}
		ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
		if err := unix.IoctlIfreq(tun, unix.TUNSETIFF, ifr); err != nil {
			unix.Close(tun)
			return errx.Wrap(ErrOpenTap, err)
		}

		if err := linkUp(name); err != nil {
			unix.Close(tun)
			return err
		}

		fd = tun
		return nil
	})
	if err != nil {
		return -1, err
	}

	return fd, nil
}

// linkUp sets IFF_UP on the interface. Must run inside the namespace
// owning it.
func linkUp(name string) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errx.Wrap(ErrLinkUp, err)
	}
	defer unix.Close(sock)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return errx.Wrap(ErrLinkUp, err)
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFFLAGS, ifr); err != nil {
		return errx.Wrap(ErrLinkUp, err)
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(sock, unix.SIOCSIFFLAGS, ifr); err != nil {
		return errx.Wrap(ErrLinkUp, err)
	}

	return nil
}
