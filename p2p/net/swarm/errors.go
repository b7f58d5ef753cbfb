package swarm

import "errors"

// Errors named by spec.md §4.4 and §7's taxonomy for the Switch.
var (
	// ErrConnClosed is returned when operating on a closed connection.
	ErrConnClosed = errors.New("swarm: connection closed")
	// ErrSwarmClosed is returned by Dial/Listen once the Switch has
	// been closed.
	ErrSwarmClosed = errors.New("swarm: switch closed")
	// ErrDialFailed is raised when every address failed or negotiation
	// never produced a usable connection, per spec.md §4.4's dial
	// contract.
	ErrDialFailed = errors.New("swarm: dial failed")
	// ErrNoAddresses is returned when Dial is given a peer with no known
	// addresses and no connection already exists.
	ErrNoAddresses = errors.New("swarm: no addresses for peer")
)
