// Package pcap writes tap frames to a classic pcap capture file.
// Writes are best effort: the first failure disables the capture so the
// data path never stalls on a full disk.
package pcap

import (
	"encoding/binary"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/akerouanton/passt/internal/errx"
)

const (
	magicMicroseconds = 0xa1b2c3d4
	versionMajor      = 2
	versionMinor      = 4
	snapLen           = 65535
	linkTypeEthernet  = 1

	fileHeaderLen   = 24
	recordHeaderLen = 16
)

// Writer appends Ethernet frames to a pcap file. It is safe for
// concurrent use: the tap device loops capture from separate
// goroutines.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	log      *slog.Logger
	disabled bool
}

// New creates (or truncates) the capture file and writes the global
// header.
func New(path string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errx.Wrap(ErrCreate, err)
	}

	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:], versionMinor)
	// thiszone and sigfigs stay zero.
	binary.LittleEndian.PutUint32(hdr[16:], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:], linkTypeEthernet)

	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, errx.Wrap(ErrWrite, err)
	}

	return &Writer{file: f, log: logger}, nil
}

// Frame appends a single frame stamped with the current time. A nil
// *Writer is a no-op so callers don't need to guard the capture being
// disabled by configuration.
func (w *Writer) Frame(frame []byte) {
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disabled {
		return
	}

	caplen := len(frame)
	if caplen > snapLen {
		caplen = snapLen
	}

	now := time.Now()
	var hdr [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(now.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(caplen))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(frame)))

	if _, err := w.file.Write(hdr[:]); err != nil {
		w.fail(err)
		return
	}
	if _, err := w.file.Write(frame[:caplen]); err != nil {
		w.fail(err)
	}
}

func (w *Writer) fail(err error) {
	w.disabled = true
	w.log.Warn("packet capture disabled", "error", err)
}

// Close flushes and closes the capture file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.file.Sync()
	if err := w.file.Close(); err != nil {
		return errx.Wrap(ErrClose, err)
	}
	return nil
}
