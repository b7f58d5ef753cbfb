package swarm

import (
	"sync"

	"github.com/TheNoobiCat/go-libp2p-core/core/network"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
)

// notifyRegistry holds the Switch's registered notifees and the
// per-peer connection counter needed to fire Joined exactly once when
// the first connection to a peer appears, and Left exactly once when
// the last one disappears, per spec.md §4.4.
type notifyRegistry struct {
	mu    sync.Mutex
	notes map[network.Notifiee]struct{}
	count map[peer.ID]int
}

func newNotifyRegistry() *notifyRegistry {
	return &notifyRegistry{
		notes: make(map[network.Notifiee]struct{}),
		count: make(map[peer.ID]int),
	}
}

func (r *notifyRegistry) add(n network.Notifiee) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[n] = struct{}{}
}

func (r *notifyRegistry) remove(n network.Notifiee) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notes, n)
}

func (r *notifyRegistry) snapshot() []network.Notifiee {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]network.Notifiee, 0, len(r.notes))
	for n := range r.notes {
		out = append(out, n)
	}
	return out
}

// fanOut calls f for every registered notifee, each in its own
// goroutine, so a slow or reentrant handler (e.g. one that calls
// disconnect) never blocks the connection lifecycle it was notified
// about.
func (r *notifyRegistry) fanOut(f func(network.Notifiee)) {
	for _, n := range r.snapshot() {
		go f(n)
	}
}

// connected records one more connection to p and reports whether this
// was the peer's first (i.e. Joined should fire).
func (r *notifyRegistry) connected(p peer.ID) (firstConn bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count[p]++
	return r.count[p] == 1
}

// disconnected records one fewer connection to p and reports whether
// this was the peer's last (i.e. Left should fire).
func (r *notifyRegistry) disconnected(p peer.ID) (lastConn bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count[p] <= 0 {
		return false
	}
	r.count[p]--
	if r.count[p] == 0 {
		delete(r.count, p)
		return true
	}
	return false
}

// notifyAll fans one event out to every registered notifee, and to the
// attached ConnManager's notifee. Whether Joined or Left fires is decided
// by its callers, peerConnected and peerDisconnected.
func (sw *Switch) notifyAll(f func(network.Notifiee)) {
	sw.notifs.fanOut(f)
	if cmNotifee := sw.connManagerNotifee; cmNotifee != nil {
		go f(cmNotifee)
	}
}

// peerConnected is called once a new Conn has been fully upgraded and
// registered; it fires Connected, and Joined if this is the peer's
// first connection.
func (sw *Switch) peerConnected(c *Conn) {
	sw.notifyAll(func(n network.Notifiee) { n.Connected(c) })
	if sw.notifs.connected(c.RemotePeer()) {
		sw.notifyAll(func(n network.Notifiee) { n.Joined(c.RemotePeer()) })
	}
}

// peerDisconnected is called from Conn.doClose after Disconnected has
// fired; it fires Left if this was the peer's last connection.
func (sw *Switch) peerDisconnected(p peer.ID) {
	if sw.notifs.disconnected(p) {
		sw.notifyAll(func(n network.Notifiee) { n.Left(p) })
	}
}

// Notify registers a Notifiee to receive Connected/Disconnected/
// Joined/Left events.
func (sw *Switch) Notify(n network.Notifiee) { sw.notifs.add(n) }

// StopNotify unregisters a previously registered Notifiee.
func (sw *Switch) StopNotify(n network.Notifiee) { sw.notifs.remove(n) }
