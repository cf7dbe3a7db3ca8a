// Package diag serves point-in-time runtime snapshots over a unix
// socket. Each accepted connection receives one CBOR-encoded snapshot
// and is closed; clients poll by reconnecting.
package diag

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/akerouanton/passt/internal/errx"
)

// Snapshot is the envelope written to each diagnostics client. Body is
// produced by the owner of the state being reported; it must be
// CBOR-encodable and safe to read from the serving goroutine.
type Snapshot struct {
	RunID     string    `cbor:"run_id"`
	Timestamp time.Time `cbor:"ts"`
	UptimeSec int64     `cbor:"uptime_sec"`
	Body      any       `cbor:"body"`
}

// Server answers diagnostics connections on a unix socket.
type Server struct {
	ln      net.Listener
	runID   string
	started time.Time
	body    func() any
	log     *slog.Logger

	closeOnce sync.Once
}

// NewServer binds the unix socket. body is invoked once per connection
// to collect the snapshot payload; it must be safe to call from the
// serving goroutine.
func NewServer(path, runID string, body func() any, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errx.Wrap(ErrListen, err)
	}

	return &Server{
		ln:      ln,
		runID:   runID,
		started: time.Now(),
		body:    body,
		log:     logger,
	}, nil
}

// Serve accepts connections until the server is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.answer(conn)
	}
}

func (s *Server) answer(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	snap := Snapshot{
		RunID:     s.runID,
		Timestamp: time.Now().UTC(),
		UptimeSec: int64(time.Since(s.started).Seconds()),
		Body:      s.body(),
	}

	if err := cbor.NewEncoder(conn).Encode(snap); err != nil {
		s.log.Debug("diagnostics write failed", "error", err)
	}
}

// Close stops accepting and removes the socket.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
	})
	return err
}
