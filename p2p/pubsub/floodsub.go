package pubsub

import (
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

// floodSubRouter implements spec.md §4.5's FloodSub variant: every accepted
// message is forwarded to every peer known to be subscribed to one of its
// topics. It keeps no mesh and ignores control traffic.
type floodSubRouter struct {
	ps *PubSub
}

func newFloodSubRouter(ps *PubSub) *floodSubRouter { return &floodSubRouter{ps: ps} }

var _ router = (*floodSubRouter)(nil)

func (r *floodSubRouter) protocols() []protocol.ID { return []protocol.ID{FloodSubID} }

func (r *floodSubRouter) addPeer(peer.ID, protocol.ID) {}
func (r *floodSubRouter) removePeer(peer.ID)           {}
func (r *floodSubRouter) join(string)                  {}
func (r *floodSubRouter) leave(string)                 {}
func (r *floodSubRouter) handleControl(peer.ID, *controlMessage) {}

// publish forwards msg to every peer subscribed to any of its topics,
// except whoever it arrived from, skipping any peer whose own sent
// fingerprint cache already contains these exact bytes (per spec.md §4.5's
// publish step 3).
func (r *floodSubRouter) publish(msg *Message) {
	wire := msg.toWire()
	seen := make(map[peer.ID]struct{})
	for _, topic := range msg.TopicIDs {
		for _, pid := range r.ps.peersSubscribedTo(topic) {
			if pid == msg.ReceivedFrom {
				continue
			}
			if _, dup := seen[pid]; dup {
				continue
			}
			seen[pid] = struct{}{}

			p, ok := r.ps.peerByID(pid)
			if !ok {
				continue
			}
			var buf bufWriter
			if err := wire.encode(&buf); err == nil && p.sent.CheckAndAdd(buf.b) {
				continue
			}
			p.enqueue(&rpc{Publish: []message{wire}})
		}
	}
}
