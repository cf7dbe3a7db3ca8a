package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/akerouanton/passt/internal/errx"
)

// JSONLWriter writes structured events as JSON lines. It implements
// Sink and is safe for concurrent use.
type JSONLWriter struct {
	mu  sync.Mutex
	out io.WriteCloser
	enc *json.Encoder
}

// NewJSONLWriter wraps an arbitrary destination.
func NewJSONLWriter(out io.WriteCloser) *JSONLWriter {
	return &JSONLWriter{
		out: out,
		enc: json.NewEncoder(out),
	}
}

// OpenJSONLFile creates a JSONL writer appending to the given path. The
// parent directory must already exist; the file is created on demand.
func OpenJSONLFile(path string) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errx.Wrap(ErrCreateLogFile, err)
	}
	return NewJSONLWriter(f), nil
}

// Write serializes the event as a single JSON line.
func (w *JSONLWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(event); err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	return nil
}

// Close syncs (when the destination supports it) and closes the
// destination.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.out.(*os.File); ok {
		_ = f.Sync()
	}
	if err := w.out.Close(); err != nil {
		return errx.Wrap(ErrCloseWriter, err)
	}
	return nil
}
