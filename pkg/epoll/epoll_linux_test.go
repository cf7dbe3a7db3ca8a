package epoll

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRef_PackUnpackRoundTrip(t *testing.T) {
	refs := []Ref{
		{Type: RefNone, Index: 0},
		{Type: RefListen, Index: 1},
		{Type: RefSpliced, Index: 12345},
		{Type: RefWake, Index: 0},
		{Type: RefSpliced, Index: maxIndex},
	}

	for _, ref := range refs {
		got := unpackRef(ref.pack())
		assert.Equal(t, ref, got, "ref %+v must survive packing", ref)
	}
}

func TestPoller_DeliversRefAndFd(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	var pipe [2]int
	require.NoError(t, unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	ref := Ref{Type: RefSpliced, Index: 42}
	require.NoError(t, p.Add(pipe[0], ref, unix.EPOLLIN))

	_, err = unix.Write(pipe[1], []byte("x"))
	require.NoError(t, err)

	evs := make([]unix.EpollEvent, 8)
	n, err := p.Wait(evs, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	gotRef, gotFD := Unpack(evs[0])
	assert.Equal(t, ref, gotRef)
	assert.Equal(t, pipe[0], gotFD)
	assert.NotZero(t, evs[0].Events&unix.EPOLLIN)
}

func TestPoller_ModUpdatesRef(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	var pipe [2]int
	require.NoError(t, unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	require.NoError(t, p.Add(pipe[0], Ref{Type: RefSpliced, Index: 1}, unix.EPOLLIN))
	require.NoError(t, p.Mod(pipe[0], Ref{Type: RefSpliced, Index: 7}, unix.EPOLLIN))

	_, err = unix.Write(pipe[1], []byte("x"))
	require.NoError(t, err)

	evs := make([]unix.EpollEvent, 8)
	n, err := p.Wait(evs, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	gotRef, _ := Unpack(evs[0])
	assert.EqualValues(t, 7, gotRef.Index, "re-registration carries the new index")
}

func TestPoller_DelUnregisteredIsBenign(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	var pipe [2]int
	require.NoError(t, unix.Pipe2(pipe[:], unix.O_CLOEXEC))
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	assert.NoError(t, p.Del(pipe[0]), "removing an unregistered fd is not an error")
	assert.NoError(t, p.Del(-1), "removing a closed fd is not an error")
}

func TestPoller_RejectsOutOfRangeIndex(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	var pipe [2]int
	require.NoError(t, unix.Pipe2(pipe[:], unix.O_CLOEXEC))
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	err = p.Add(pipe[0], Ref{Type: RefSpliced, Index: maxIndex + 1}, unix.EPOLLIN)
	assert.ErrorIs(t, err, ErrCtl)
}
