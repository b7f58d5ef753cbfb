// Package swarm implements the Switch: the single entry point for
// dialing and listening, the upgrade pipeline (raw byte stream -> Noise
// -> Mplex -> multistream dispatch), and peer-lifecycle events, per
// spec.md §4.4.
package swarm

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/TheNoobiCat/go-libp2p-core/core/connmgr"
	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	"github.com/TheNoobiCat/go-libp2p-core/core/host"
	"github.com/TheNoobiCat/go-libp2p-core/core/network"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
	"github.com/TheNoobiCat/go-libp2p-core/core/sec"
	coretransport "github.com/TheNoobiCat/go-libp2p-core/core/transport"

	"github.com/TheNoobiCat/go-libp2p-core/p2p/muxer/mplex"
	"github.com/TheNoobiCat/go-libp2p-core/p2p/protocol/multistream"
	"github.com/TheNoobiCat/go-libp2p-core/p2p/security/noise"
)

// mplexID is the multistream-select identifier for the Mplex muxer,
// per spec.md §6.
const mplexID protocol.ID = "/mplex/6.7.0"

// Switch owns the per-peer connection set, runs the upgrade pipeline on
// both accepted and dialed sockets, dispatches incoming streams to
// registered protocol handlers, and fires peer-lifecycle events.
type Switch struct {
	localID  peer.ID
	localKey crypto.PrivKey

	secure    sec.SecureTransport
	transport coretransport.Transport

	streamHandlers *multistream.Multistream

	connManager        connmgr.ConnManager
	connManagerNotifee network.Notifiee
	notifs             *notifyRegistry

	connsMu sync.Mutex
	conns   map[peer.ID][]*Conn
	nextID  atomic.Uint64
	nextSID atomic.Uint64

	addrsMu sync.Mutex
	addrs   map[peer.ID]string

	listenersMu sync.Mutex
	listeners   []coretransport.Listener
	listenAddrs []string

	dialsync *dialSync

	closeOnce sync.Once
	closed    chan struct{}
	refs      sync.WaitGroup
}

var _ host.Host = (*Switch)(nil)
var _ host.Network = (*Switch)(nil)

// New builds a Switch for the local identity sk, dialing and listening
// over the given raw transport (TCPTransport in this module). If cm is
// nil, a connmgr.NullConnManager is attached so the notifee fan-out
// always has a real consumer.
func New(sk crypto.PrivKey, tpt coretransport.Transport, cm connmgr.ConnManager) (*Switch, error) {
	id, err := peer.IDFromPublicKey(sk.GetPublic())
	if err != nil {
		return nil, err
	}
	secTpt, err := noise.New(sk, nil)
	if err != nil {
		return nil, err
	}
	if cm == nil {
		cm = connmgr.NullConnManager{}
	}

	sw := &Switch{
		localID:        id,
		localKey:       sk,
		secure:         secTpt,
		transport:      tpt,
		streamHandlers: multistream.NewMultistream(),
		connManager:    cm,
		notifs:         newNotifyRegistry(),
		conns:          make(map[peer.ID][]*Conn),
		addrs:          make(map[peer.ID]string),
		closed:         make(chan struct{}),
	}
	sw.connManagerNotifee = cm.Notifee()
	sw.dialsync = newDialSync(sw.dialWorker)
	return sw, nil
}

// ID implements host.Host.
func (sw *Switch) ID() peer.ID { return sw.localID }

// Addrs implements host.Host.
func (sw *Switch) Addrs() []string {
	sw.listenersMu.Lock()
	defer sw.listenersMu.Unlock()
	out := make([]string, len(sw.listenAddrs))
	copy(out, sw.listenAddrs)
	return out
}

// Network implements host.Host: the Switch is its own host.Network.
func (sw *Switch) Network() host.Network { return sw }

func (sw *Switch) nextStreamID() uint64 { return sw.nextSID.Add(1) }

// SetStreamHandler registers an exact-match application protocol
// handler for incoming streams.
func (sw *Switch) SetStreamHandler(pid protocol.ID, handler network.StreamHandler) {
	sw.streamHandlers.AddHandler(pid, sw.wrapHandler(handler))
}

// SetStreamHandlerMatch registers a handler selected via a matcher
// predicate instead of an exact id.
func (sw *Switch) SetStreamHandlerMatch(pid protocol.ID, match protocol.MatchFunc, handler network.StreamHandler) {
	sw.streamHandlers.AddHandlerWithMatch(pid, match, sw.wrapHandler(handler))
}

// RemoveStreamHandler implements host.Host.
func (sw *Switch) RemoveStreamHandler(pid protocol.ID) {
	sw.streamHandlers.RemoveHandler(pid)
}

func (sw *Switch) wrapHandler(handler network.StreamHandler) multistream.HandlerFunc {
	return func(id protocol.ID, rwc io.ReadWriteCloser) error {
		s, ok := rwc.(*Stream)
		if !ok {
			return fmt.Errorf("swarm: handler invoked with non-stream %T", rwc)
		}
		s.SetProtocol(id)
		handler(s)
		return nil
	}
}

// handleIncomingStream runs per-channel dispatch (spec.md §4.4): it
// negotiates an application protocol against the registered handler
// table and closes the stream on failure.
func (sw *Switch) handleIncomingStream(s *Stream) {
	if err := sw.streamHandlers.Handle(s); err != nil {
		log.Debugw("incoming stream negotiation failed", "peer", s.conn.RemotePeer(), "error", err)
		s.Reset()
	}
}

// Listen starts accepting inbound connections on addr.
func (sw *Switch) Listen(addr string) error {
	ln, err := sw.transport.Listen(addr)
	if err != nil {
		return err
	}
	sw.listenersMu.Lock()
	sw.listeners = append(sw.listeners, ln)
	sw.listenAddrs = append(sw.listenAddrs, ln.Addr())
	sw.listenersMu.Unlock()

	sw.refs.Add(1)
	go sw.acceptLoop(ln)
	return nil
}

func (sw *Switch) acceptLoop(ln coretransport.Listener) {
	defer sw.refs.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		sw.refs.Add(1)
		go func() {
			defer sw.refs.Done()
			if err := sw.handleInbound(raw); err != nil {
				log.Debugw("inbound upgrade failed", "error", err)
				raw.Close()
			}
		}()
	}
}

// handleInbound runs the upgrade pipeline on a freshly accepted raw
// connection: multistream-select the security protocol, run the Noise
// handshake, multistream-select the muxer, then start the Mplex
// session, per spec.md §4.4's upgrade pipeline.
func (sw *Switch) handleInbound(raw net.Conn) error {
	secMs := multistream.NewMultistream()
	secMs.AddHandler(noise.ID, func(_ protocol.ID, rwc io.ReadWriteCloser) error {
		insecure, ok := rwc.(net.Conn)
		if !ok {
			return fmt.Errorf("swarm: security handler invoked with non-net.Conn")
		}
		secure, err := sw.secure.SecureInbound(context.Background(), insecure, "")
		if err != nil {
			return fmt.Errorf("noise handshake failed: %w", err)
		}

		muxMs := multistream.NewMultistream()
		muxMs.AddHandler(mplexID, func(protocol.ID, io.ReadWriteCloser) error {
			muxed := mplex.NewSession(secure, false)
			c := sw.addConn(muxed, secure, network.DirInbound)
			sw.peerConnected(c)
			c.acceptLoop()
			return nil
		})
		return muxMs.Handle(secure)
	})
	return secMs.Handle(raw)
}

func (sw *Switch) addConn(muxed network.MuxedConn, secure sec.SecureConn, dir network.Direction) *Conn {
	c := &Conn{
		id:           sw.nextID.Add(1),
		muxed:        muxed,
		sw:           sw,
		dir:          dir,
		remoteID:     secure.RemotePeer(),
		remotePubKey: secure.RemotePublicKey(),
		observedAddr: secure.RemoteAddr().String(),
		streams:      make(map[*Stream]struct{}),
	}
	c.touch()

	sw.connsMu.Lock()
	sw.conns[c.remoteID] = append(sw.conns[c.remoteID], c)
	sw.connsMu.Unlock()
	return c
}

func (sw *Switch) removeConn(c *Conn) {
	sw.connsMu.Lock()
	defer sw.connsMu.Unlock()
	cs := sw.conns[c.remoteID]
	for i, x := range cs {
		if x == c {
			sw.conns[c.remoteID] = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	if len(sw.conns[c.remoteID]) == 0 {
		delete(sw.conns, c.remoteID)
	}
}

func (sw *Switch) firstConnToPeer(p peer.ID) *Conn {
	sw.connsMu.Lock()
	defer sw.connsMu.Unlock()
	cs := sw.conns[p]
	for _, c := range cs {
		if !c.IsClosed() {
			return c
		}
	}
	return nil
}

// ConnsToPeer implements host.Network.
func (sw *Switch) ConnsToPeer(p peer.ID) int {
	sw.connsMu.Lock()
	defer sw.connsMu.Unlock()
	n := 0
	for _, c := range sw.conns[p] {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

// Connectedness implements host.Network.
func (sw *Switch) Connectedness(p peer.ID) bool {
	return sw.firstConnToPeer(p) != nil
}

// addAddr records the address a peer may be dialed at, set by Connect.
func (sw *Switch) addAddr(p peer.ID, addr string) {
	sw.addrsMu.Lock()
	sw.addrs[p] = addr
	sw.addrsMu.Unlock()
}

func (sw *Switch) peerAddr(p peer.ID) (string, bool) {
	sw.addrsMu.Lock()
	defer sw.addrsMu.Unlock()
	a, ok := sw.addrs[p]
	return a, ok
}

// Connect implements host.Host: it ensures a connection to p exists,
// dialing addr if necessary.
func (sw *Switch) Connect(ctx context.Context, p peer.ID, addr string) error {
	if addr != "" {
		sw.addAddr(p, addr)
	}
	_, err := sw.dialPeer(ctx, p)
	return err
}

// dialPeer implements spec.md §4.4's dial contract: reuse an existing
// session, otherwise dial-and-upgrade, coalescing concurrent dials to
// the same peer.
func (sw *Switch) dialPeer(ctx context.Context, p peer.ID) (*Conn, error) {
	select {
	case <-sw.closed:
		return nil, ErrSwarmClosed
	default:
	}
	if c := sw.firstConnToPeer(p); c != nil {
		return c, nil
	}
	return sw.dialsync.Dial(ctx, p)
}

// dialWorker serves every (possibly concurrent) Dial request for one
// peer. Only the first request actually performs the dial; by the time
// later ones arrive the result is cached and handed back immediately.
// It deliberately ignores each request's context for the dial itself
// (using context.Background()) so that cancelling one waiter's context
// cannot abort a dial other waiters are still relying on.
func (sw *Switch) dialWorker(p peer.ID, reqch <-chan dialRequest) {
	var conn *Conn
	var err error
	done := false
	for req := range reqch {
		if !done {
			conn, err = sw.reuseOrDial(p)
			done = true
		}
		select {
		case req.resch <- dialResponse{conn: conn, err: err}:
		case <-req.ctx.Done():
		}
	}
}

func (sw *Switch) reuseOrDial(p peer.ID) (*Conn, error) {
	if c := sw.firstConnToPeer(p); c != nil {
		return c, nil
	}
	addr, ok := sw.peerAddr(p)
	if !ok {
		return nil, ErrNoAddresses
	}
	return sw.dialAndUpgrade(context.Background(), addr, p)
}

// dialAndUpgrade runs the outbound half of spec.md §4.4's upgrade
// pipeline: dial, multistream-select Noise, handshake, multistream-
// select Mplex, start the session.
func (sw *Switch) dialAndUpgrade(ctx context.Context, addr string, expected peer.ID) (*Conn, error) {
	raw, err := sw.transport.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDialFailed, err)
	}

	if _, err := multistream.Negotiate(raw, noise.ID); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: security negotiation: %s", ErrDialFailed, err)
	}
	secure, err := sw.secure.SecureOutbound(ctx, raw, expected)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: handshake: %s", ErrDialFailed, err)
	}

	if _, err := multistream.Negotiate(secure, mplexID); err != nil {
		secure.Close()
		return nil, fmt.Errorf("%w: muxer negotiation: %s", ErrDialFailed, err)
	}

	muxed := mplex.NewSession(secure, true)
	c := sw.addConn(muxed, secure, network.DirOutbound)
	sw.peerConnected(c)
	go c.acceptLoop()
	return c, nil
}

// NewStream implements host.Host: it ensures a connection to p, opens a
// new channel on it, and (if pids is non-empty) negotiates an
// application protocol over it.
func (sw *Switch) NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error) {
	c, err := sw.dialPeer(ctx, p)
	if err != nil {
		return nil, err
	}
	s, err := c.NewStream()
	if err != nil {
		return nil, err
	}
	if len(pids) == 0 {
		return s, nil
	}
	selected, err := multistream.Negotiate(s, pids...)
	if err != nil {
		s.Reset()
		return nil, fmt.Errorf("%w: %s", ErrDialFailed, err)
	}
	s.SetProtocol(selected)
	return s, nil
}

// Disconnect closes every connection to p, resetting every open channel
// on each, per spec.md §4.4.
func (sw *Switch) Disconnect(p peer.ID) error {
	sw.connsMu.Lock()
	cs := append([]*Conn(nil), sw.conns[p]...)
	sw.connsMu.Unlock()
	for _, c := range cs {
		c.Close()
	}
	return nil
}

// Close shuts the Switch down: every listener, every connection, and
// the attached ConnManager.
func (sw *Switch) Close() error {
	sw.closeOnce.Do(func() {
		close(sw.closed)

		sw.listenersMu.Lock()
		lns := sw.listeners
		sw.listenersMu.Unlock()
		for _, ln := range lns {
			ln.Close()
		}

		sw.connsMu.Lock()
		var all []*Conn
		for _, cs := range sw.conns {
			all = append(all, cs...)
		}
		sw.connsMu.Unlock()
		for _, c := range all {
			c.Close()
		}

		sw.refs.Wait()
		sw.connManager.Close()
	})
	return nil
}
