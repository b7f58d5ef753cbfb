// Package connmgr implements a BasicConnManager: a peer-tagging,
// watermark-aware ConnManager consumed by the Switch's notifee fan-out.
// It mirrors the shape of the teacher's connection manager (tag map,
// low/high water configuration, grace period) without the background
// trim loop, which SPEC_FULL.md does not require.
package connmgr

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/TheNoobiCat/go-libp2p-core/core/connmgr"
	"github.com/TheNoobiCat/go-libp2p-core/core/network"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
)

var log = logging.Logger("connmgr")

// Option configures a BasicConnManager.
type Option func(*BasicConnManager)

// WithGracePeriod records a grace period for newly connected peers,
// mirroring the teacher's option name. BasicConnManager stores it but
// never trims connections, so the value has no effect.
func WithGracePeriod(d time.Duration) Option {
	return func(cm *BasicConnManager) { cm.gracePeriod = d }
}

// BasicConnManager tracks weighted tags per peer and how many
// connections each peer currently has open. It never actively closes
// connections (no background trim loop); it exists so Switch's notifee
// fan-out and TagPeer/UntagPeer calls from protocol handlers (e.g. the
// pubsub router tagging peers by mesh membership) have a real consumer.
type BasicConnManager struct {
	lowWater, highWater int
	gracePeriod         time.Duration

	mu       sync.Mutex
	tags     map[peer.ID]map[string]int
	connTime map[peer.ID]time.Time
	numConns map[peer.ID]int
}

var _ connmgr.ConnManager = (*BasicConnManager)(nil)

// NewConnManager builds a BasicConnManager. low/highWater are kept for
// parity with the teacher's constructor signature and future trimming
// logic; this implementation does not yet act on them.
func NewConnManager(low, high int, opts ...Option) (*BasicConnManager, error) {
	cm := &BasicConnManager{
		lowWater:  low,
		highWater: high,
		tags:      make(map[peer.ID]map[string]int),
		connTime:  make(map[peer.ID]time.Time),
		numConns:  make(map[peer.ID]int),
	}
	for _, o := range opts {
		o(cm)
	}
	return cm, nil
}

func (cm *BasicConnManager) TagPeer(p peer.ID, tag string, weight int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	t, ok := cm.tags[p]
	if !ok {
		t = make(map[string]int)
		cm.tags[p] = t
	}
	t[tag] = weight
}

func (cm *BasicConnManager) UntagPeer(p peer.ID, tag string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if t, ok := cm.tags[p]; ok {
		delete(t, tag)
		if len(t) == 0 {
			delete(cm.tags, p)
		}
	}
}

// Value sums a peer's tag weights; used in tests and would feed a real
// trim loop's scoring.
func (cm *BasicConnManager) Value(p peer.ID) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	total := 0
	for _, w := range cm.tags[p] {
		total += w
	}
	return total
}

func (cm *BasicConnManager) Notifee() network.Notifiee {
	return &network.NotifyBundle{
		ConnectedF: func(c network.Conn) {
			cm.mu.Lock()
			p := c.RemotePeer()
			cm.numConns[p]++
			if _, ok := cm.connTime[p]; !ok {
				cm.connTime[p] = time.Now()
			}
			n := cm.numConns[p]
			cm.mu.Unlock()
			if cm.highWater > 0 && n == 1 {
				log.Debugw("connmgr: peer connected", "peer", p)
			}
		},
		DisconnectedF: func(c network.Conn) {
			cm.mu.Lock()
			p := c.RemotePeer()
			cm.numConns[p]--
			if cm.numConns[p] <= 0 {
				delete(cm.numConns, p)
				delete(cm.connTime, p)
			}
			cm.mu.Unlock()
		},
	}
}

func (cm *BasicConnManager) Close() error { return nil }
