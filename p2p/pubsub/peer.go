package pubsub

import (
	"bufio"
	"context"
	"crypto/sha256"
	"sync"

	"github.com/TheNoobiCat/go-libp2p-core/core/network"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

// fingerprintSet is a small fixed-capacity FIFO set of raw-bytes SHA-256
// fingerprints, used for the per-peer sent/received dedup caches spec.md
// §4.5 names. Unlike messageCache (keyed by message id, TTL-bound, shared
// across peers) this is keyed by the exact encoded bytes. A peer's `sent`
// set is written by every goroutine forwarding a message to that peer
// (the publishing goroutine, and any other peer's readLoop routing a
// message onward), and a peer's `recv` set can be written by two readLoops
// at once (one over the inbound stream, one over the outbound stream
// opened by ensureStream) — so it carries its own lock rather than relying
// on a single owning goroutine.
type fingerprintSet struct {
	mu    sync.Mutex
	cap   int
	set   map[[sha256.Size]byte]struct{}
	order [][sha256.Size]byte
}

func newFingerprintSet(capacity int) *fingerprintSet {
	return &fingerprintSet{cap: capacity, set: make(map[[sha256.Size]byte]struct{}, capacity)}
}

func (f *fingerprintSet) Has(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.set[sha256.Sum256(b)]
	return ok
}

func (f *fingerprintSet) Add(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(sha256.Sum256(b))
}

func (f *fingerprintSet) addLocked(sum [sha256.Size]byte) {
	if _, ok := f.set[sum]; ok {
		return
	}
	if len(f.order) >= f.cap {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.set, oldest)
	}
	f.set[sum] = struct{}{}
	f.order = append(f.order, sum)
}

// CheckAndAdd reports whether b was already present, adding it if not, as
// one atomic operation under f.mu — callers that did `Has` then `Add`
// separately raced each other when two goroutines checked the same target
// peer's set concurrently.
func (f *fingerprintSet) CheckAndAdd(b []byte) (alreadyPresent bool) {
	sum := sha256.Sum256(b)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.set[sum]
	if !ok {
		f.addLocked(sum)
	}
	return ok
}

const fingerprintCacheSize = 256

// peerState is the per-peer state named in spec.md §4.5: peer id,
// negotiated protocol, a lazily opened send connection, the read loop that
// drives it, and the peer's own sent/received dedup caches (each
// internally locked — see fingerprintSet). p.mu protects only the stream
// handle itself.
type peerState struct {
	id    peer.ID
	proto protocol.ID
	owner *PubSub

	mu     sync.Mutex
	stream network.Stream

	sent *fingerprintSet
	recv *fingerprintSet

	outbox    chan *rpc
	done      chan struct{}
	closeOnce sync.Once
}

func newPeerState(owner *PubSub, id peer.ID) *peerState {
	return &peerState{
		id:     id,
		owner:  owner,
		sent:   newFingerprintSet(fingerprintCacheSize),
		recv:   newFingerprintSet(fingerprintCacheSize),
		outbox: make(chan *rpc, 32),
		done:   make(chan struct{}),
	}
}

// connected reports whether this peer currently holds a send stream. It
// does not check whether that stream, or the connection under it, has
// since been closed or reached EOF.
func (p *peerState) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// attachInbound adopts a stream the remote opened (via the registered
// protocol handler) as this peer's receive loop driver, starting a read
// loop for it. If no send stream exists yet, the same stream is reused for
// sends too.
func (p *peerState) attachInbound(s network.Stream) {
	p.mu.Lock()
	if p.stream == nil {
		p.stream = s
		go p.writeLoop()
	}
	p.mu.Unlock()
	go p.readLoop(s)
}

// ensureStream returns the peer's send stream, dialing one if none exists
// yet.
func (p *peerState) ensureStream(ctx context.Context) (network.Stream, error) {
	p.mu.Lock()
	if p.stream != nil {
		s := p.stream
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.owner.host.NewStream(ctx, p.id, p.owner.protocols()...)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.stream != nil {
		// lost the race; close the extra stream and use the winner's.
		existing := p.stream
		p.mu.Unlock()
		s.Reset()
		return existing, nil
	}
	p.stream = s
	p.mu.Unlock()

	go p.writeLoop()
	go p.readLoop(s)
	return s, nil
}

// recycle drops the current send stream after a write failure, per
// spec.md §4.5's "Send failures close the offending send connection (it
// will be recreated on next send)".
func (p *peerState) recycle(failed network.Stream) {
	p.mu.Lock()
	if p.stream == failed {
		p.stream = nil
	}
	p.mu.Unlock()
	failed.Close()
}

// enqueue best-effort queues an RPC for delivery; it never blocks the
// caller and is a no-op once the peer has been torn down.
func (p *peerState) enqueue(rm *rpc) {
	select {
	case p.outbox <- rm:
	case <-p.done:
	default:
		log.Debugw("outbound queue full, dropping RPC", "peer", p.id)
	}
}

func (p *peerState) writeLoop() {
	for {
		select {
		case rm := <-p.outbox:
			p.mu.Lock()
			s := p.stream
			p.mu.Unlock()
			if s == nil {
				continue
			}
			if err := writeRPC(s, rm); err != nil {
				log.Debugw("write to peer failed, recycling stream", "peer", p.id, "error", err)
				p.recycle(s)
			}
		case <-p.done:
			return
		}
	}
}

// readLoop implements spec.md §4.5's receive loop for the stream s: frame
// by frame, dedup by raw-bytes fingerprint, decode, validate, and dispatch.
func (p *peerState) readLoop(s network.Stream) {
	defer func() {
		p.owner.handlePeerEOF(p)
	}()

	br := bufio.NewReader(s)
	for {
		raw, rm, err := readRPCWithRaw(br)
		if err != nil {
			return
		}
		if !p.recv.CheckAndAdd(raw) {
			p.owner.handleIncomingRPC(p, rm)
		}
	}
}

// teardown closes the peer's outbound loop and, if present, its stream.
func (p *peerState) teardown() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		s := p.stream
		p.stream = nil
		p.mu.Unlock()
		if s != nil {
			s.Reset()
		}
	})
}
