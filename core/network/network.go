// Package network defines the capability interfaces shared by the layers
// of the connection pipeline (Conn, MuxedConn, MuxedStream, Stream) and the
// lifecycle notification types; no layer inherits from a shared base type.
package network

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

// Direction indicates which side of a connection or stream initiated it.
type Direction int

const (
	DirUnknown Direction = iota
	DirInbound
	DirOutbound
)

func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "Inbound"
	case DirOutbound:
		return "Outbound"
	default:
		return "Unknown"
	}
}

// ByteStream is a plain byte-stream capability set. No type in this module
// implements it: the Noise layer exposes net.Conn and the Mplex layer
// exposes MuxedStream instead.
type ByteStream interface {
	// ReadOnce performs at most one underlying read and returns however
	// many bytes were available, per spec.md §6's transport contract.
	ReadOnce(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Closed() bool
	AtEOF() bool
}

// Conn is a bidirectional, authenticated-once-upgraded connection between
// two peers.
type Conn interface {
	io.Closer

	Direction() Direction
	RemotePeer() peer.ID
	// ObservedAddr is the remote endpoint as seen by us, populated once the
	// transport accepts/dials it.
	ObservedAddr() string
	IsClosed() bool
	// LastActivity is updated on every read/write and consulted by idle
	// timeout handlers.
	LastActivity() time.Time
}

// MuxedStream is the capability a stream multiplexer exposes for one
// logical channel: ordinary io.ReadWriteCloser plus half-close and reset,
// matching the shape yamux/mplex streams both implement in the teacher
// corpus.
type MuxedStream interface {
	io.Reader
	io.Writer
	io.Closer

	CloseWrite() error
	CloseRead() error
	Reset() error
	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// MuxedConn is the capability a stream multiplexer session exposes: open a
// new stream locally, or accept one opened by the remote side.
type MuxedConn interface {
	Close() error
	IsClosed() bool
	OpenStream(ctx context.Context) (MuxedStream, error)
	AcceptStream() (MuxedStream, error)
}

// Stream is an application-facing, protocol-negotiated MuxedStream.
type Stream interface {
	MuxedStream

	ID() string
	Protocol() protocol.ID
	SetProtocol(protocol.ID)
	Conn() Conn
}

// StreamHandler handles freshly negotiated application streams.
type StreamHandler func(Stream)

// Notifiee receives connection and peer lifecycle events from a Switch.
type Notifiee interface {
	Connected(Conn)
	Disconnected(Conn)
	Joined(peer.ID)
	Left(peer.ID)
}

// NotifyBundle is a Notifiee built from independently-settable fields; any
// nil field is treated as a no-op, mirroring the teacher's notifee helper
// pattern used across p2p/net/swarm.
type NotifyBundle struct {
	ConnectedF    func(Conn)
	DisconnectedF func(Conn)
	JoinedF       func(peer.ID)
	LeftF         func(peer.ID)
}

func (nb *NotifyBundle) Connected(c Conn) {
	if nb.ConnectedF != nil {
		nb.ConnectedF(c)
	}
}
func (nb *NotifyBundle) Disconnected(c Conn) {
	if nb.DisconnectedF != nil {
		nb.DisconnectedF(c)
	}
}
func (nb *NotifyBundle) Joined(p peer.ID) {
	if nb.JoinedF != nil {
		nb.JoinedF(p)
	}
}
func (nb *NotifyBundle) Left(p peer.ID) {
	if nb.LeftF != nil {
		nb.LeftF(p)
	}
}

var _ Notifiee = (*NotifyBundle)(nil)

// Stream/connection level errors, per spec.md §7.
var (
	ErrReadClosed     = errors.New("stream closed for reading")
	ErrWriteClosed    = errors.New("stream closed for writing")
	ErrIncompleteRead = errors.New("incomplete read: EOF before expected bytes")
	ErrLimitExceeded  = errors.New("message exceeds configured size limit")
	ErrReset          = errors.New("stream reset")
)
