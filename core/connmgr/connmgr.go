// Package connmgr provides the ConnManager hook point the Switch's
// notifee fan-out feeds: a consumer that tags peers by importance and
// could, in a fuller implementation, trim connections under pressure.
package connmgr

import (
	"github.com/TheNoobiCat/go-libp2p-core/core/network"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
)

// ConnManager tracks peer "tags" (named, weighted importance hints) and
// observes connection lifecycle through its Notifee.
type ConnManager interface {
	// TagPeer adds or updates a weighted tag on a peer.
	TagPeer(p peer.ID, tag string, weight int)
	// UntagPeer removes a previously set tag.
	UntagPeer(p peer.ID, tag string)
	// Notifee returns the network.Notifiee the Switch should register so
	// this manager observes Connected/Disconnected/Joined/Left events.
	Notifee() network.Notifiee
	// Close releases any resources (e.g. a background trim loop).
	Close() error
}

// NullConnManager is the no-op default: it discards tags and observes
// nothing. A Switch constructed without an explicit ConnManager uses
// this so the notifee fan-out always has a real (if inert) consumer.
type NullConnManager struct{}

var _ ConnManager = (*NullConnManager)(nil)

func (NullConnManager) TagPeer(peer.ID, string, int) {}
func (NullConnManager) UntagPeer(peer.ID, string)    {}
func (NullConnManager) Close() error                 { return nil }

func (n NullConnManager) Notifee() network.Notifiee {
	return &network.NotifyBundle{}
}
