package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	"github.com/TheNoobiCat/go-libp2p-core/core/network"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
)

// Conn is the connection type used by the Switch: a secured, muxed
// session plus the bookkeeping the Switch needs to dispatch and tear it
// down. In general callers only see it through the network.Conn
// interface.
type Conn struct {
	id    uint64
	muxed network.MuxedConn
	sw    *Switch

	dir          network.Direction
	remoteID     peer.ID
	remotePubKey crypto.PubKey
	observedAddr string

	lastActivityMu sync.Mutex
	lastActivity   time.Time

	closeOnce sync.Once
	err       error

	streamsMu sync.Mutex
	streams   map[*Stream]struct{}
}

var _ network.Conn = (*Conn)(nil)

func (c *Conn) touch() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

// LastActivity implements network.Conn.
func (c *Conn) LastActivity() time.Time {
	c.lastActivityMu.Lock()
	defer c.lastActivityMu.Unlock()
	return c.lastActivity
}

// Direction implements network.Conn.
func (c *Conn) Direction() network.Direction { return c.dir }

// RemotePeer implements network.Conn.
func (c *Conn) RemotePeer() peer.ID { return c.remoteID }

// RemotePublicKey returns the public key verified during the Noise
// handshake.
func (c *Conn) RemotePublicKey() crypto.PubKey { return c.remotePubKey }

// ObservedAddr implements network.Conn.
func (c *Conn) ObservedAddr() string { return c.observedAddr }

// IsClosed implements network.Conn.
func (c *Conn) IsClosed() bool { return c.muxed.IsClosed() }

func (c *Conn) String() string {
	return fmt.Sprintf("<swarm.Conn %s %s peer %s>", c.dir, c.observedAddr, c.remoteID)
}

// Close tears the connection down: it resets every open stream, closes
// the muxed session, removes the connection from the Switch, and fires
// Disconnected (and Left, if this was the peer's last connection).
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.doClose()
	})
	return c.err
}

func (c *Conn) doClose() {
	c.sw.removeConn(c)

	c.streamsMu.Lock()
	streams := c.streams
	c.streams = nil
	c.streamsMu.Unlock()

	c.err = c.muxed.Close()

	for s := range streams {
		s.Reset()
	}

	c.sw.notifyAll(func(n network.Notifiee) { n.Disconnected(c) })
	c.sw.peerDisconnected(c.remoteID)
}

func (c *Conn) removeStream(s *Stream) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	if c.streams != nil {
		delete(c.streams, s)
	}
}

// NewStream opens a new application stream over this connection's muxed
// session.
func (c *Conn) NewStream() (*Stream, error) {
	ts, err := c.muxed.OpenStream(context.Background())
	if err != nil {
		return nil, err
	}
	return c.addStream(ts), nil
}

func (c *Conn) addStream(ts network.MuxedStream) *Stream {
	s := &Stream{
		id:     c.sw.nextStreamID(),
		stream: ts,
		conn:   c,
	}
	c.streamsMu.Lock()
	if c.streams != nil {
		c.streams[s] = struct{}{}
	}
	c.streamsMu.Unlock()
	return s
}

// acceptLoop reads muxed streams opened by the remote and dispatches each
// to the Switch's protocol handler table, per spec.md §4.4's "per-channel
// dispatch".
func (c *Conn) acceptLoop() {
	defer c.Close()
	for {
		ts, err := c.muxed.AcceptStream()
		if err != nil {
			return
		}
		s := c.addStream(ts)
		go c.sw.handleIncomingStream(s)
	}
}
