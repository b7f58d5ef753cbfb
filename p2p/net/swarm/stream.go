package swarm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheNoobiCat/go-libp2p-core/core/network"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

// Stream is the application-facing, protocol-negotiated stream type the
// Switch hands out. It wraps one MuxedStream from the underlying Mplex
// session.
type Stream struct {
	id uint64

	stream network.MuxedStream
	conn   *Conn

	closeMu  sync.Mutex
	isClosed bool

	protocol atomic.Pointer[protocol.ID]
}

var _ network.Stream = (*Stream)(nil)

// ID returns a process-unique, human-readable stream identifier.
func (s *Stream) ID() string {
	return fmt.Sprintf("%s-%d", s.conn.RemotePeer().String()[:minInt(10, len(s.conn.RemotePeer()))], s.id)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Conn returns the connection this stream was opened or accepted on.
func (s *Stream) Conn() network.Conn { return s.conn }

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.stream.Read(p)
	if n > 0 {
		s.conn.touch()
	}
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.stream.Write(p)
	if n > 0 {
		s.conn.touch()
	}
	return n, err
}

// Close half-closes the stream for writing (reads continue until the
// remote closes its side) and frees it from its connection.
func (s *Stream) Close() error {
	err := s.stream.Close()
	s.removeFromConn()
	return err
}

// Reset aborts the stream on both ends.
func (s *Stream) Reset() error {
	err := s.stream.Reset()
	s.removeFromConn()
	return err
}

func (s *Stream) removeFromConn() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.isClosed {
		return
	}
	s.isClosed = true
	s.conn.removeStream(s)
}

func (s *Stream) CloseWrite() error { return s.stream.CloseWrite() }
func (s *Stream) CloseRead() error  { return s.stream.CloseRead() }

func (s *Stream) SetDeadline(t time.Time) error      { return s.stream.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.stream.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }

// Protocol returns the protocol negotiated on this stream, or the empty
// ID if none has been set yet.
func (s *Stream) Protocol() protocol.ID {
	p := s.protocol.Load()
	if p == nil {
		return ""
	}
	return *p
}

// SetProtocol records which protocol this stream is speaking. It is the
// caller's (negotiator's) responsibility to actually have negotiated it.
func (s *Stream) SetProtocol(pid protocol.ID) {
	s.protocol.Store(&pid)
}

func (s *Stream) String() string {
	return fmt.Sprintf("<swarm.Stream %s proto=%q conn=%s>", s.ID(), s.Protocol(), s.conn)
}
