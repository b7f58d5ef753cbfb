package pubsub

import (
	"sync"
	"time"

	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

// GossipSub mesh degree targets, per spec.md §4.5's "variant" note: a bare
// minimum enough to exercise graft/prune, not production v1.1 scoring.
const (
	gossipD           = 6
	gossipDlo         = 4
	gossipDhi         = 12
	heartbeatInterval = 1 * time.Second
)

// gossipSubRouter implements spec.md §4.5's GossipSub variant: a bounded
// mesh of peers per topic, maintained by a periodic heartbeat that grafts
// up to gossipD peers and prunes down from gossipDhi. Published messages
// go only to a topic's mesh, not every subscriber (that's FloodSub).
type gossipSubRouter struct {
	ps *PubSub

	mu   sync.Mutex
	mesh map[string]map[peer.ID]struct{}

	done chan struct{}
}

func newGossipSubRouter(ps *PubSub) *gossipSubRouter {
	r := &gossipSubRouter{
		ps:   ps,
		mesh: make(map[string]map[peer.ID]struct{}),
		done: make(chan struct{}),
	}
	go r.heartbeatLoop()
	return r
}

var _ router = (*gossipSubRouter)(nil)

func (r *gossipSubRouter) protocols() []protocol.ID { return []protocol.ID{GossipSubID} }

func (r *gossipSubRouter) addPeer(peer.ID, protocol.ID) {}

func (r *gossipSubRouter) removePeer(p peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, peers := range r.mesh {
		delete(peers, p)
	}
}

// join seeds a topic's mesh with up to gossipD currently known subscribers
// and grafts them.
func (r *gossipSubRouter) join(topic string) {
	r.mu.Lock()
	if _, ok := r.mesh[topic]; ok {
		r.mu.Unlock()
		return
	}
	r.mesh[topic] = make(map[peer.ID]struct{})
	r.mu.Unlock()

	candidates := r.ps.peersSubscribedTo(topic)
	for i, pid := range candidates {
		if i >= gossipD {
			break
		}
		r.graft(topic, pid)
	}
}

func (r *gossipSubRouter) leave(topic string) {
	r.mu.Lock()
	peers := r.mesh[topic]
	delete(r.mesh, topic)
	r.mu.Unlock()
	for pid := range peers {
		r.sendControl(pid, &controlMessage{Prune: []controlPrune{{TopicID: topic}}})
	}
}

func (r *gossipSubRouter) graft(topic string, pid peer.ID) {
	r.mu.Lock()
	peers, ok := r.mesh[topic]
	if !ok {
		peers = make(map[peer.ID]struct{})
		r.mesh[topic] = peers
	}
	peers[pid] = struct{}{}
	r.mu.Unlock()
	r.sendControl(pid, &controlMessage{Graft: []controlGraft{{TopicID: topic}}})
}

func (r *gossipSubRouter) sendControl(pid peer.ID, ctrl *controlMessage) {
	p, ok := r.ps.peerByID(pid)
	if !ok {
		return
	}
	p.enqueue(&rpc{Control: ctrl})
}

// handleControl applies a remote Graft/Prune to our view of that peer's
// membership in our mesh; Ihave/Iwant (message-level gossip) are logged
// but not acted on — this variant exercises the control-message round trip
// named in spec.md §8 without implementing full lazy-push gossip.
func (r *gossipSubRouter) handleControl(from peer.ID, ctrl *controlMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range ctrl.Graft {
		peers, ok := r.mesh[g.TopicID]
		if !ok {
			peers = make(map[peer.ID]struct{})
			r.mesh[g.TopicID] = peers
		}
		peers[from] = struct{}{}
	}
	for _, p := range ctrl.Prune {
		if peers, ok := r.mesh[p.TopicID]; ok {
			delete(peers, from)
		}
	}
	if len(ctrl.Ihave) > 0 || len(ctrl.Iwant) > 0 {
		log.Debugw("ignoring IHAVE/IWANT, lazy-push gossip is not implemented", "peer", from)
	}
}

// publish forwards msg to this topic's current mesh only.
func (r *gossipSubRouter) publish(msg *Message) {
	wire := msg.toWire()
	for _, topic := range msg.TopicIDs {
		r.mu.Lock()
		peers := make([]peer.ID, 0, len(r.mesh[topic]))
		for pid := range r.mesh[topic] {
			peers = append(peers, pid)
		}
		r.mu.Unlock()

		for _, pid := range peers {
			if pid == msg.ReceivedFrom {
				continue
			}
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

// heartbeatLoop periodically re-grafts topics under gossipDlo and prunes
// topics over gossipDhi.
func (r *gossipSubRouter) heartbeatLoop() {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.heartbeat()
		case <-r.done:
			return
		}
	}
}

func (r *gossipSubRouter) heartbeat() {
	r.mu.Lock()
	topics := make([]string, 0, len(r.mesh))
	for t := range r.mesh {
		topics = append(topics, t)
	}
	r.mu.Unlock()

	for _, topic := range topics {
		r.mu.Lock()
		n := len(r.mesh[topic])
		r.mu.Unlock()

		switch {
		case n < gossipDlo:
			for _, pid := range r.ps.peersSubscribedTo(topic) {
				r.mu.Lock()
				_, already := r.mesh[topic][pid]
				full := len(r.mesh[topic]) >= gossipD
				r.mu.Unlock()
				if already || full {
					continue
				}
				r.graft(topic, pid)
			}
		case n > gossipDhi:
			r.mu.Lock()
			var excess []peer.ID
			for pid := range r.mesh[topic] {
				if len(excess) >= n-gossipD {
					break
				}
				excess = append(excess, pid)
			}
			r.mu.Unlock()
			for _, pid := range excess {
				r.mu.Lock()
				delete(r.mesh[topic], pid)
				r.mu.Unlock()
				r.sendControl(pid, &controlMessage{Prune: []controlPrune{{TopicID: topic}}})
			}
		}
	}
}

func (r *gossipSubRouter) close() { close(r.done) }
