package swarm

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	"github.com/TheNoobiCat/go-libp2p-core/core/network"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

const echoProto = protocol.ID("/echo/1.0.0")

func newTestSwitch(t *testing.T) *Switch {
	t.Helper()
	sk, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	sw, err := New(sk, NewTCPTransport(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sw.Close() })
	return sw
}

// dialPair brings up two Switches, has a listen on loopback, and connects b
// to a, returning both once the connection has fully upgraded.
func dialPair(t *testing.T) (a, b *Switch) {
	t.Helper()
	a = newTestSwitch(t)
	b = newTestSwitch(t)

	require.NoError(t, a.Listen("127.0.0.1:0"))
	addrs := a.Addrs()
	require.Len(t, addrs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Connect(ctx, a.ID(), addrs[0]))
	return a, b
}

func TestConnectEstablishesSecuredMuxedConnection(t *testing.T) {
	a, b := dialPair(t)

	require.True(t, b.Connectedness(a.ID()))
	require.Equal(t, 1, b.ConnsToPeer(a.ID()))

	// The accept side only learns about the connection once the inbound
	// upgrade goroutine has registered it.
	require.Eventually(t, func() bool {
		return a.Connectedness(b.ID())
	}, time.Second, 10*time.Millisecond)
}

func TestNewStreamEchoesApplicationData(t *testing.T) {
	a, b := dialPair(t)

	done := make(chan struct{})
	a.SetStreamHandler(echoProto, func(s network.Stream) {
		defer close(done)
		defer s.Close()
		io.Copy(s, s)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := b.NewStream(ctx, a.ID(), echoProto)
	require.NoError(t, err)
	require.Equal(t, echoProto, s.Protocol())

	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())

	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never finished")
	}
}

func TestNewStreamFailsForUnsupportedProtocol(t *testing.T) {
	a, b := dialPair(t)
	a.SetStreamHandler(echoProto, func(s network.Stream) { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.NewStream(ctx, a.ID(), protocol.ID("/nope/1.0.0"))
	require.Error(t, err)
}

func TestDialIsCoalescedAcrossConcurrentCallers(t *testing.T) {
	a := newTestSwitch(t)
	b := newTestSwitch(t)
	require.NoError(t, a.Listen("127.0.0.1:0"))
	addr := a.Addrs()[0]
	b.addAddr(a.ID(), addr)

	const n = 8
	results := make(chan *Conn, n)
	for i := 0; i < n; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := b.dialPeer(ctx, a.ID())
			require.NoError(t, err)
			results <- c
		}()
	}

	var first *Conn
	for i := 0; i < n; i++ {
		c := <-results
		if first == nil {
			first = c
		}
		require.Same(t, first, c)
	}
	require.Equal(t, 1, b.ConnsToPeer(a.ID()))
}

// countingNotifee records every lifecycle event fired for later assertion.
// Events fan out on their own goroutines, so every field is mutex-guarded.
type countingNotifee struct {
	mu                                     sync.Mutex
	connected, disconnected, joined, left int
}

func (n *countingNotifee) Connected(network.Conn) {
	n.mu.Lock()
	n.connected++
	n.mu.Unlock()
}

func (n *countingNotifee) Disconnected(network.Conn) {
	n.mu.Lock()
	n.disconnected++
	n.mu.Unlock()
}

func (n *countingNotifee) Joined(peer.ID) {
	n.mu.Lock()
	n.joined++
	n.mu.Unlock()
}

func (n *countingNotifee) Left(peer.ID) {
	n.mu.Lock()
	n.left++
	n.mu.Unlock()
}

func (n *countingNotifee) snapshot() (connected, disconnected, joined, left int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected, n.disconnected, n.joined, n.left
}

func TestJoinedAndLeftFireExactlyOncePerPeer(t *testing.T) {
	a := newTestSwitch(t)
	b := newTestSwitch(t)
	require.NoError(t, a.Listen("127.0.0.1:0"))
	addr := a.Addrs()[0]

	nb := &countingNotifee{}
	b.Notify(nb)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Two separate Connect calls to the same peer must reuse the one
	// connection, so Joined/Connected must not double-fire.
	require.NoError(t, b.Connect(ctx, a.ID(), addr))
	require.NoError(t, b.Connect(ctx, a.ID(), addr))

	require.Eventually(t, func() bool {
		connected, _, joined, _ := nb.snapshot()
		return joined == 1 && connected >= 1
	}, time.Second, 10*time.Millisecond)
	_, _, joined, _ := nb.snapshot()
	require.Equal(t, 1, joined)

	require.NoError(t, b.Disconnect(a.ID()))
	require.Eventually(t, func() bool {
		_, _, _, left := nb.snapshot()
		return left == 1
	}, time.Second, 10*time.Millisecond)
	connected, disconnected, _, left := nb.snapshot()
	require.Equal(t, 1, left)
	require.Equal(t, connected, disconnected)
}

func TestDisconnectResetsOpenStreams(t *testing.T) {
	a, b := dialPair(t)
	a.SetStreamHandler(echoProto, func(s network.Stream) {
		buf := make([]byte, 1)
		s.Read(buf)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := b.NewStream(ctx, a.ID(), echoProto)
	require.NoError(t, err)

	require.NoError(t, b.Disconnect(a.ID()))

	_, err = s.Write([]byte("x"))
	require.Error(t, err)
}
