package noise

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/sec"
)

func newTestTransport(t *testing.T) (*Transport, peer.ID) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	tpt, err := New(priv, nil)
	require.NoError(t, err)
	return tpt, tpt.localID
}

func dialPair(t *testing.T) (aTpt, bTpt *Transport, aConn, bConn net.Conn) {
	t.Helper()
	aTpt, _ = newTestTransport(t)
	bTpt, _ = newTestTransport(t)
	aConn, bConn = net.Pipe()
	return
}

func TestHandshakeSucceedsAndIdentifiesPeers(t *testing.T) {
	aTpt, bTpt, aConn, bConn := dialPair(t)
	defer aConn.Close()
	defer bConn.Close()

	type result struct {
		conn sec.SecureConn
		err  error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		c, err := aTpt.SecureOutbound(context.Background(), aConn, bTpt.localID)
		initCh <- result{c, err}
	}()
	go func() {
		c, err := bTpt.SecureInbound(context.Background(), bConn, "")
		respCh <- result{c, err}
	}()

	ir := <-initCh
	rr := <-respCh
	require.NoError(t, ir.err)
	require.NoError(t, rr.err)

	require.Equal(t, bTpt.localID, ir.conn.RemotePeer())
	require.Equal(t, aTpt.localID, rr.conn.RemotePeer())
	require.True(t, ir.conn.RemotePublicKey().Equals(bTpt.localKey.GetPublic()))
}

func TestHandshakeFailsOnPeerIDMismatch(t *testing.T) {
	aTpt, bTpt, aConn, bConn := dialPair(t)
	defer aConn.Close()
	defer bConn.Close()

	wrongTpt, _ := newTestTransport(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := bTpt.SecureInbound(context.Background(), bConn, "")
		errCh <- err
	}()

	// Dial expecting wrongTpt's identity; bTpt will actually answer.
	_, err := aTpt.SecureOutbound(context.Background(), aConn, wrongTpt.localID)
	require.Error(t, err)
	require.ErrorAs(t, err, new(sec.ErrPeerIDMismatch))

	// The initiator closes its side on failure, which in turn breaks the
	// responder's pending read; it also ends in error.
	require.Error(t, <-errCh)
}

func TestRecordLayerRoundTrip(t *testing.T) {
	aTpt, bTpt, aConn, bConn := dialPair(t)
	defer aConn.Close()
	defer bConn.Close()

	type result struct {
		conn sec.SecureConn
		err  error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		c, err := aTpt.SecureOutbound(context.Background(), aConn, bTpt.localID)
		initCh <- result{c, err}
	}()
	go func() {
		c, err := bTpt.SecureInbound(context.Background(), bConn, "")
		respCh <- result{c, err}
	}()

	ir := <-initCh
	rr := <-respCh
	require.NoError(t, ir.err)
	require.NoError(t, rr.err)
	defer ir.conn.Close()
	defer rr.conn.Close()

	msg := []byte("hello over noise")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := ir.conn.Write(msg)
		require.NoError(t, err)
	}()

	buf := make([]byte, len(msg))
	_, err := io.ReadFull(rr.conn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
	<-done
}

// TestLargeWriteIsChunked exercises a plaintext payload that crosses the
// MaxPlaintextLength boundary, forcing Write to split it into multiple
// record-layer frames that Read must reassemble transparently.
func TestLargeWriteIsChunked(t *testing.T) {
	aTpt, bTpt, aConn, bConn := dialPair(t)
	defer aConn.Close()
	defer bConn.Close()

	type result struct {
		conn sec.SecureConn
		err  error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		c, err := aTpt.SecureOutbound(context.Background(), aConn, bTpt.localID)
		initCh <- result{c, err}
	}()
	go func() {
		c, err := bTpt.SecureInbound(context.Background(), bConn, "")
		respCh <- result{c, err}
	}()

	ir := <-initCh
	rr := <-respCh
	require.NoError(t, ir.err)
	require.NoError(t, rr.err)
	defer ir.conn.Close()
	defer rr.conn.Close()

	payload := make([]byte, MaxPlaintextLength+1000)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, werr := ir.conn.Write(payload)
		require.NoError(t, werr)
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(rr.conn, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	<-done
}

func TestHandshakeTimesOut(t *testing.T) {
	aTpt, _ := newTestTransport(t)
	aConn, bConn := net.Pipe()
	defer aConn.Close()
	defer bConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Nothing reads from bConn, so the handshake can never complete; the
	// context deadline must cut it short instead of hanging the test.
	_, err := aTpt.SecureOutbound(ctx, aConn, "")
	require.Error(t, err)
}
