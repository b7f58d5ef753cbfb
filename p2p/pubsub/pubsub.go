// Package pubsub implements topic-based publish/subscribe messaging over
// the Switch: FloodSub (forward to every subscriber) and GossipSub (mesh
// with graft/prune) variants sharing one per-peer connection and
// deduplication model, per spec.md §4.5.
package pubsub

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	"github.com/TheNoobiCat/go-libp2p-core/core/host"
	"github.com/TheNoobiCat/go-libp2p-core/core/network"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

var log = logging.Logger("pubsub")

// FloodSubID and GossipSubID are the wire protocol identifiers multistream
// negotiation offers for each pubsub variant, per spec.md §6.
const (
	FloodSubID  = protocol.ID("/floodsub/1.0.0")
	GossipSubID = protocol.ID("/meshsub/1.0.0")
)

const (
	defaultMsgCacheTTL   = 2 * time.Minute
	defaultMaxMessageLen = 1 << 20
)

// router is the message-routing strategy a PubSub delegates to: FloodSub
// forwards to every subscribed peer, GossipSub additionally maintains a
// bounded mesh with graft/prune control traffic. Both share identical
// per-peer send/dedup contracts.
type router interface {
	protocols() []protocol.ID
	addPeer(p peer.ID, proto protocol.ID)
	removePeer(p peer.ID)
	join(topic string)
	leave(topic string)
	publish(msg *Message)
	handleControl(from peer.ID, ctrl *controlMessage)
}

// Message is the application-visible form of a received or locally
// published pubsub message.
type Message struct {
	From         peer.ID
	Data         []byte
	Seqno        []byte
	TopicIDs     []string
	Signature    []byte
	Key          []byte
	ReceivedFrom peer.ID
}

func (m *Message) toWire() message {
	return message{
		From:      []byte(m.From),
		Data:      m.Data,
		Seqno:     m.Seqno,
		TopicIDs:  m.TopicIDs,
		Signature: m.Signature,
		Key:       m.Key,
	}
}

func fromWire(w *message, from peer.ID) *Message {
	return &Message{
		From:         peer.ID(w.From),
		Data:         w.Data,
		Seqno:        w.Seqno,
		TopicIDs:     w.TopicIDs,
		Signature:    w.Signature,
		Key:          w.Key,
		ReceivedFrom: from,
	}
}

// PubSub is the shared router state described in spec.md §4.5: the topic
// interest tables, per-peer goroutine set, the validator table, and
// signing configuration. It is embedded by neither FloodSub nor GossipSub;
// instead it holds a router implementation it delegates routing decisions
// to, matching the teacher corpus's PubSubRouter split.
type PubSub struct {
	host host.Host
	rt   router

	mu         sync.Mutex
	peers      map[peer.ID]*peerState
	mySubs     map[string]map[*Subscription]struct{}
	peerTopics map[string]map[peer.ID]struct{}
	validators map[string][]Validator

	msgCache *messageCache
	msgID    func(*message) string

	signKey    crypto.PrivKey
	signID     peer.ID
	signStrict bool

	maxMessageSize int
	counter        uint64

	blacklistMu sync.Mutex
	blacklist   map[peer.ID]struct{}
}

// Option configures a PubSub at construction time, mirroring the reference
// implementation's `type Option func(*PubSub) error` convention.
type Option func(*PubSub) error

// WithMessageSigning enables or disables signing outbound messages with
// the local identity key.
func WithMessageSigning(enabled bool, sk crypto.PrivKey) Option {
	return func(ps *PubSub) error {
		if enabled {
			if sk == nil {
				return fmt.Errorf("pubsub: message signing requires a private key")
			}
			ps.signKey = sk
		} else {
			ps.signKey = nil
			ps.signStrict = false
		}
		return nil
	}
}

// WithStrictSignatureVerification rejects unsigned messages outright
// rather than merely skipping signature checks on them.
func WithStrictSignatureVerification(required bool) Option {
	return func(ps *PubSub) error { ps.signStrict = required; return nil }
}

// WithMaxMessageSize bounds the payload size accepted from peers.
func WithMaxMessageSize(n int) Option {
	return func(ps *PubSub) error { ps.maxMessageSize = n; return nil }
}

func newPubSub(h host.Host, opts ...Option) (*PubSub, error) {
	ps := &PubSub{
		host:           h,
		peers:          make(map[peer.ID]*peerState),
		mySubs:         make(map[string]map[*Subscription]struct{}),
		peerTopics:     make(map[string]map[peer.ID]struct{}),
		validators:     make(map[string][]Validator),
		msgCache:       newMessageCache(defaultMsgCacheTTL),
		msgID:          defaultMsgIDFn,
		signID:         h.ID(),
		signStrict:     false,
		maxMessageSize: defaultMaxMessageLen,
		blacklist:      make(map[peer.ID]struct{}),
		counter:        uint64(time.Now().UnixNano()),
	}
	for _, opt := range opts {
		if err := opt(ps); err != nil {
			return nil, err
		}
	}
	if ps.signStrict && ps.signKey == nil {
		return nil, fmt.Errorf("pubsub: strict signature verification requires signing to be enabled")
	}
	return ps, nil
}

func defaultMsgIDFn(m *message) string {
	return string(m.From) + string(m.Seqno)
}

// NewFloodSub builds a PubSub that forwards every accepted message to
// every peer subscribed to its topic.
func NewFloodSub(h host.Host, opts ...Option) (*PubSub, error) {
	ps, err := newPubSub(h, opts...)
	if err != nil {
		return nil, err
	}
	ps.rt = newFloodSubRouter(ps)
	ps.attach()
	return ps, nil
}

// NewGossipSub builds a PubSub that additionally maintains a bounded mesh
// per topic with periodic graft/prune heartbeats.
func NewGossipSub(h host.Host, opts ...Option) (*PubSub, error) {
	ps, err := newPubSub(h, opts...)
	if err != nil {
		return nil, err
	}
	ps.rt = newGossipSubRouter(ps)
	ps.attach()
	return ps, nil
}

func (ps *PubSub) protocols() []protocol.ID { return ps.rt.protocols() }

// attach registers the stream handler for every protocol the router
// supports and subscribes to connection lifecycle notifications so newly
// connected peers get a peerState and disconnected ones are torn down.
func (ps *PubSub) attach() {
	for _, pid := range ps.rt.protocols() {
		ps.host.SetStreamHandler(pid, ps.handleNewStream)
	}
	ps.host.Network().Notify(&network.NotifyBundle{
		ConnectedF:    func(c network.Conn) { ps.addPeerIfMissing(c.RemotePeer(), "") },
		DisconnectedF: func(c network.Conn) { ps.maybeRemovePeer(c.RemotePeer()) },
	})
}

func (ps *PubSub) handleNewStream(s network.Stream) {
	from := s.Conn().RemotePeer()
	if ps.isBlacklisted(from) {
		s.Reset()
		return
	}
	p := ps.addPeerIfMissing(from, s.Protocol())
	p.attachInbound(s)
}

func (ps *PubSub) addPeerIfMissing(id peer.ID, proto protocol.ID) *peerState {
	ps.mu.Lock()
	p, ok := ps.peers[id]
	if !ok {
		p = newPeerState(ps, id)
		p.proto = proto
		ps.peers[id] = p
		ps.mu.Unlock()
		ps.rt.addPeer(id, proto)
		return p
	}
	ps.mu.Unlock()
	return p
}

func (ps *PubSub) maybeRemovePeer(id peer.ID) {
	if ps.host.Network().Connectedness(id) {
		return // another connection to this peer is still live
	}
	ps.mu.Lock()
	p, ok := ps.peers[id]
	delete(ps.peers, id)
	ps.mu.Unlock()
	if !ok {
		return
	}
	p.teardown()
	ps.rt.removePeer(id)
	ps.removeFromTopics(id)
}

// handlePeerEOF is called from a peer's readLoop once its stream ends.
func (ps *PubSub) handlePeerEOF(p *peerState) {
	ps.maybeRemovePeer(p.id)
}

// removeFromTopics drops id from every topic's known-subscriber set. It
// does not notify the router; maybeRemovePeer calls the router's
// removePeer separately.
func (ps *PubSub) removeFromTopics(id peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, peers := range ps.peerTopics {
		delete(peers, id)
	}
}

// peersSubscribedTo returns every known peer subscribed to topic, for use
// by router implementations deciding where to forward a message.
func (ps *PubSub) peersSubscribedTo(topic string) []peer.ID {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	peers := ps.peerTopics[topic]
	out := make([]peer.ID, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}
	return out
}

func (ps *PubSub) peerByID(id peer.ID) (*peerState, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.peers[id]
	return p, ok
}

func (ps *PubSub) isBlacklisted(p peer.ID) bool {
	ps.blacklistMu.Lock()
	defer ps.blacklistMu.Unlock()
	_, ok := ps.blacklist[p]
	return ok
}

// BlacklistPeer unconditionally drops all current and future traffic from
// p.
func (ps *PubSub) BlacklistPeer(p peer.ID) {
	ps.blacklistMu.Lock()
	ps.blacklist[p] = struct{}{}
	ps.blacklistMu.Unlock()
	ps.maybeRemovePeer(p)
}

// handleIncomingRPC processes one decoded frame from peer from: it applies
// subscription changes, hands any control message to the router, and runs
// each published message through validation before accepting it.
func (ps *PubSub) handleIncomingRPC(from *peerState, rm *rpc) {
	if ps.isBlacklisted(from.id) {
		return
	}
	for _, s := range rm.Subscriptions {
		ps.mu.Lock()
		peers, ok := ps.peerTopics[s.Topic]
		if s.Subscribe {
			if !ok {
				peers = make(map[peer.ID]struct{})
				ps.peerTopics[s.Topic] = peers
			}
			peers[from.id] = struct{}{}
		} else if ok {
			delete(peers, from.id)
		}
		ps.mu.Unlock()
	}

	if rm.Control != nil {
		ps.rt.handleControl(from.id, rm.Control)
	}

	for i := range rm.Publish {
		w := rm.Publish[i]
		if len(w.Data) > ps.maxMessageSize {
			log.Debugw("dropping oversized message", "peer", from.id)
			continue
		}
		msg := fromWire(&w, from.id)
		if !ps.subscribedToAny(msg.TopicIDs) {
			continue
		}
		if ps.signStrict && len(msg.Signature) == 0 {
			log.Debugw("dropping unsigned message under strict verification", "peer", from.id)
			continue
		}
		if len(msg.Signature) > 0 && len(msg.Key) > 0 {
			if !verifySignature(&w) {
				log.Debugw("dropping message with invalid signature", "peer", from.id)
				continue
			}
		}

		id := ps.msgID(&w)
		if ps.msgCache.Has(id) {
			continue
		}
		if !ps.validate(context.Background(), from.id, msg) {
			continue
		}
		if ps.msgCache.Add(id) {
			ps.deliverLocal(msg)
			ps.rt.publish(msg)
		}
	}
}

func (ps *PubSub) subscribedToAny(topics []string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, t := range topics {
		if len(ps.mySubs[t]) > 0 {
			return true
		}
	}
	return false
}

func (ps *PubSub) deliverLocal(msg *Message) {
	ps.mu.Lock()
	var targets []*Subscription
	for _, t := range msg.TopicIDs {
		for sub := range ps.mySubs[t] {
			targets = append(targets, sub)
		}
	}
	ps.mu.Unlock()
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			log.Debugw("subscriber too slow, dropping message", "topic", sub.topic)
		}
	}
}

func (ps *PubSub) nextSeqno() []byte {
	n := atomic.AddUint64(&ps.counter, 1)
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// sign computes a detached signature over the protobuf-shaped encoding of
// m with the signature and key fields cleared, per spec.md §4.5.
func (ps *PubSub) sign(m *message) ([]byte, []byte, error) {
	unsigned := *m
	unsigned.Signature = nil
	unsigned.Key = nil
	var buf bufWriter
	if err := unsigned.encode(&buf); err != nil {
		return nil, nil, err
	}
	sig, err := ps.signKey.Sign(buf.b)
	if err != nil {
		return nil, nil, err
	}
	keyBytes, err := crypto.MarshalPublicKey(ps.signKey.GetPublic())
	if err != nil {
		return nil, nil, err
	}
	return sig, keyBytes, nil
}

func verifySignature(m *message) bool {
	pk, err := crypto.UnmarshalPublicKey(m.Key)
	if err != nil {
		return false
	}
	unsigned := *m
	sig := unsigned.Signature
	unsigned.Signature = nil
	unsigned.Key = nil
	var buf bufWriter
	if err := unsigned.encode(&buf); err != nil {
		return false
	}
	ok, err := pk.Verify(buf.b, sig)
	return err == nil && ok
}

// fingerprint is exposed for tests asserting on dedup behavior.
func fingerprint(b []byte) [sha256.Size]byte { return sha256.Sum256(b) }
