package pcap

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_FileHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcap")

	w, err := New(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, fileHeaderLen)

	assert.EqualValues(t, magicMicroseconds, binary.LittleEndian.Uint32(raw[0:]))
	assert.EqualValues(t, versionMajor, binary.LittleEndian.Uint16(raw[4:]))
	assert.EqualValues(t, versionMinor, binary.LittleEndian.Uint16(raw[6:]))
	assert.EqualValues(t, snapLen, binary.LittleEndian.Uint32(raw[16:]))
	assert.EqualValues(t, linkTypeEthernet, binary.LittleEndian.Uint32(raw[20:]))
}

func TestWriter_FrameRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcap")

	w, err := New(path, nil)
	require.NoError(t, err)

	first := []byte{0xde, 0xad, 0xbe, 0xef}
	second := make([]byte, 1500)
	w.Frame(first)
	w.Frame(second)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	rec := raw[fileHeaderLen:]
	caplen := binary.LittleEndian.Uint32(rec[8:])
	origlen := binary.LittleEndian.Uint32(rec[12:])
	require.EqualValues(t, len(first), caplen)
	require.EqualValues(t, len(first), origlen)
	assert.Equal(t, first, rec[recordHeaderLen:recordHeaderLen+len(first)])

	rec = rec[recordHeaderLen+len(first):]
	assert.EqualValues(t, len(second), binary.LittleEndian.Uint32(rec[8:]))

	wantTotal := fileHeaderLen + 2*recordHeaderLen + len(first) + len(second)
	assert.Len(t, raw, wantTotal)
}

func TestWriter_NilIsNoOp(t *testing.T) {
	var w *Writer
	w.Frame([]byte{1, 2, 3})
	assert.NoError(t, w.Close())
}

func TestWriter_BadPath(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing", "c.pcap"), nil)
	assert.ErrorIs(t, err, ErrCreate)
}
