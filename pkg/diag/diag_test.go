package diag

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBody struct {
	Spliced int `cbor:"spliced"`
	Tapped  int `cbor:"tapped"`
}

func TestServer_AnswersEachConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.sock")

	calls := 0
	srv, err := NewServer(path, "run-abc", func() any {
		calls++
		return testBody{Spliced: calls, Tapped: 1}
	}, nil)
	require.NoError(t, err)
	defer srv.Close()
	go srv.Serve()

	for want := 1; want <= 2; want++ {
		conn, err := net.Dial("unix", path)
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		var snap struct {
			RunID     string          `cbor:"run_id"`
			Timestamp time.Time       `cbor:"ts"`
			UptimeSec int64           `cbor:"uptime_sec"`
			Body      cbor.RawMessage `cbor:"body"`
		}
		require.NoError(t, cbor.NewDecoder(conn).Decode(&snap))
		conn.Close()

		assert.Equal(t, "run-abc", snap.RunID)
		assert.GreaterOrEqual(t, snap.UptimeSec, int64(0))

		var body testBody
		require.NoError(t, cbor.Unmarshal(snap.Body, &body))
		assert.Equal(t, want, body.Spliced, "body is collected per connection")
		assert.Equal(t, 1, body.Tapped)
	}
}

func TestServer_CloseStopsServing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.sock")

	srv, err := NewServer(path, "run-abc", func() any { return nil }, nil)
	require.NoError(t, err)
	go srv.Serve()

	require.NoError(t, srv.Close())
	assert.NoError(t, srv.Close(), "double close is harmless")

	_, err = net.Dial("unix", path)
	assert.Error(t, err)
}

func TestServer_BadPath(t *testing.T) {
	_, err := NewServer(filepath.Join(t.TempDir(), "missing", "d.sock"), "r", func() any { return nil }, nil)
	assert.ErrorIs(t, err, ErrListen)
}
