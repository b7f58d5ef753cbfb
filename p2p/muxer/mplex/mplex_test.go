package mplex

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHeaderRoundTripChannelZero reproduces the exact byte sequence a New
// frame on channel 0 named "stream 1" must produce and parse back to.
func TestHeaderRoundTripChannelZero(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sess := NewSession(a, true)
	defer sess.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 10)
		n, err := io.ReadAtLeast(b, buf, 10)
		require.NoError(t, err)
		require.Equal(t, []byte{0x00, 0x08, 0x73, 0x74, 0x72, 0x65, 0x61, 0x6d, 0x20, 0x31}, buf[:n])
	}()

	_, err := sess.OpenChannel(context.Background(), "stream 1")
	require.NoError(t, err)
	<-done
}

// TestHeaderRoundTripChannel17 reproduces the spec's channel-17 vectors
// for New and MsgOut.
func TestHeaderRoundTripChannel17(t *testing.T) {
	var buf bytes.Buffer
	n := writeFrameBytes(&buf, header(17, tagNewStream), []byte("stream 1"))
	require.Equal(t, []byte{0x88, 0x01, 0x08, 0x73, 0x74, 0x72, 0x65, 0x61, 0x6d, 0x20, 0x31}, buf.Bytes()[:n])

	buf.Reset()
	n = writeFrameBytes(&buf, header(17, tagMessageInitiator), []byte("stream 1"))
	require.Equal(t, []byte{0x8a, 0x01, 0x08, 0x73, 0x74, 0x72, 0x65, 0x61, 0x6d, 0x20, 0x31}, buf.Bytes()[:n])
}

func writeFrameBytes(w io.Writer, hdr uint64, data []byte) int {
	buf := make([]byte, len(data)+2*maxVarintLen)
	n := putUvarintForTest(buf, hdr)
	n += putUvarintForTest(buf[n:], uint64(len(data)))
	n += copy(buf[n:], data)
	w.Write(buf[:n])
	return n
}

func putUvarintForTest(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

func newSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	sa := NewSession(a, true)
	sb := NewSession(b, false)
	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return sa, sb
}

func TestOpenAcceptEcho(t *testing.T) {
	sa, sb := newSessionPair(t)

	chA, err := sa.OpenChannel(context.Background(), "proto")
	require.NoError(t, err)

	chB, err := sb.AcceptChannel()
	require.NoError(t, err)
	require.Equal(t, "proto", chB.name)

	_, err = chA.Write([]byte("Hello!"))
	require.NoError(t, err)

	buf := make([]byte, 6)
	_, err = io.ReadFull(chB, buf)
	require.NoError(t, err)
	require.Equal(t, "Hello!", string(buf))

	_, err = chB.Write([]byte("Hello!"))
	require.NoError(t, err)
	_, err = io.ReadFull(chA, buf)
	require.NoError(t, err)
	require.Equal(t, "Hello!", string(buf))
}

func TestHalfClose(t *testing.T) {
	sa, sb := newSessionPair(t)

	chA, err := sa.OpenChannel(context.Background(), "")
	require.NoError(t, err)
	chB, err := sb.AcceptChannel()
	require.NoError(t, err)

	require.NoError(t, chA.Close())
	_, err = chA.Write([]byte("x"))
	require.ErrorIs(t, err, ErrChannelClosed)

	_, err = chB.Write([]byte("still here"))
	require.NoError(t, err)

	buf := make([]byte, len("still here"))
	_, err = io.ReadFull(chA, buf)
	require.NoError(t, err)
	require.Equal(t, "still here", string(buf))

	require.NoError(t, chB.Close())

	time.Sleep(10 * time.Millisecond)
	n, err := chA.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestResetWakesPendingReader(t *testing.T) {
	sa, sb := newSessionPair(t)

	chA, err := sa.OpenChannel(context.Background(), "")
	require.NoError(t, err)
	_, err = sb.AcceptChannel()
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := chA.Read(make([]byte, 1))
		readErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, chA.Reset())

	select {
	case err := <-readErr:
		require.ErrorIs(t, err, ErrChannelReset)
	case <-time.After(time.Second):
		t.Fatal("pending read did not wake up on reset")
	}
}

func TestLocallyOpenedChannelIDsAreStrictlyIncreasing(t *testing.T) {
	sa, _ := newSessionPair(t)

	var lastID uint64
	for i := 0; i < 5; i++ {
		ch, err := sa.OpenChannel(context.Background(), "")
		require.NoError(t, err)
		if i > 0 {
			require.Greater(t, ch.id, lastID)
		}
		lastID = ch.id
	}
}

func TestOversizedFrameIsFatalForSession(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sess := NewSession(b, false)
	defer sess.Close()

	go func() {
		var buf bytes.Buffer
		writeFrameBytes(&buf, header(0, tagNewStream), make([]byte, MaxMessageSize+1))
		a.Write(buf.Bytes())
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, sess.IsClosed())
}
