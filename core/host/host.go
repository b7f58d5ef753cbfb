// Package host provides the core Host interface: a single p2p node that
// both dials out and serves registered application protocols.
package host

import (
	"context"

	"github.com/TheNoobiCat/go-libp2p-core/core/network"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

// Host is an object participating in a p2p network, which implements
// protocols or provides services. It handles requests like a Server, and
// issues requests like a Client.
type Host interface {
	// ID returns the (local) peer.ID associated with this Host.
	ID() peer.ID

	// Addrs returns the listen addresses of the Host.
	Addrs() []string

	// Network returns the Switch powering this Host's connections.
	Network() Network

	// Connect ensures there is a connection between this host and the
	// given peer at the given address, dialing if necessary.
	Connect(ctx context.Context, p peer.ID, addr string) error

	// SetStreamHandler registers a handler for an exact protocol id.
	SetStreamHandler(pid protocol.ID, handler network.StreamHandler)

	// SetStreamHandlerMatch registers a handler using a custom matcher
	// predicate instead of an exact protocol id match.
	SetStreamHandlerMatch(pid protocol.ID, match protocol.MatchFunc, handler network.StreamHandler)

	// RemoveStreamHandler removes a handler previously set by
	// SetStreamHandler/SetStreamHandlerMatch.
	RemoveStreamHandler(pid protocol.ID)

	// NewStream opens a new stream to the given peer negotiated against
	// one of the given protocol ids, dialing if there is no open
	// connection yet.
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)

	// Close shuts down the Host and its Network.
	Close() error
}

// Network is the subset of the Switch that Host depends on, named
// separately to avoid a host->swarm->host import cycle.
type Network interface {
	Connectedness(p peer.ID) bool
	Notify(network.Notifiee)
	StopNotify(network.Notifiee)
	ConnsToPeer(p peer.ID) int
}
