// Package mplex implements the Mplex stream multiplexer: many independent,
// flow-controlled byte streams carried as framed sub-channels over one
// already-secured connection.
package mplex

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/multiformats/go-varint"

	"github.com/TheNoobiCat/go-libp2p-core/core/network"
)

var _ network.MuxedConn = (*Session)(nil)
var _ network.MuxedStream = (*Channel)(nil)

var log = logging.Logger("mplex")

// Mplex tag values, per the wire protocol: header = (channel_id << 3) | tag.
const (
	tagNewStream        = 0
	tagMessageReceiver  = 1 // MsgIn: written by the side that did not open the channel
	tagMessageInitiator = 2 // MsgOut: written by the side that opened the channel
	tagCloseReceiver    = 3
	tagCloseInitiator   = 4
	tagResetReceiver    = 5
	tagResetInitiator   = 6
)

// MaxMessageSize is the largest payload a single frame may carry.
const MaxMessageSize = 1 << 20

// maxVarintLen safely bounds the varint encoding of any uint64 header or
// length field.
const maxVarintLen = 10

// DefaultIdleTimeout resets an idle channel after this much inactivity.
const DefaultIdleTimeout = 5 * time.Minute

// Session is one Mplex multiplexer instance riding on a single secured
// connection.
type Session struct {
	conn net.Conn
	buf  *bufio.Reader

	initiator bool

	writeLock sync.Mutex

	chLock         sync.Mutex
	nextID         uint64
	localChannels  map[uint64]*Channel // channels we opened
	remoteChannels map[uint64]*Channel // channels the remote opened

	incoming chan *Channel

	idleTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	closeErr  error
}

func (s *Session) setCloseErr(err error) {
	s.errMu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.errMu.Unlock()
}

func (s *Session) getCloseErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.closeErr
}

// NewSession wraps conn in an Mplex session. initiator records which side
// of the connection this session is on; the session stores it but never
// consults it: both sides allocate local channel ids from 0, and the wire
// protocol does not depend on it.
func NewSession(conn net.Conn, initiator bool) *Session {
	s := &Session{
		conn:           conn,
		buf:            bufio.NewReader(conn),
		initiator:      initiator,
		localChannels:  make(map[uint64]*Channel),
		remoteChannels: make(map[uint64]*Channel),
		incoming:       make(chan *Channel, 16),
		idleTimeout:    DefaultIdleTimeout,
		closed:         make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// IsClosed reports whether the session has been torn down.
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close shuts down the session: it closes the underlying connection and
// resets every open channel, per spec.md §4.2's "session close resets all
// open channels".
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close()
		s.chLock.Lock()
		local := s.localChannels
		remote := s.remoteChannels
		s.localChannels = nil
		s.remoteChannels = nil
		s.chLock.Unlock()

		for _, ch := range local {
			ch.remoteReset()
		}
		for _, ch := range remote {
			ch.remoteReset()
		}
		s.setCloseErr(fmt.Errorf("mplex: session closed"))
		close(s.closed)
	})
	return nil
}

// fatal tears the session down following a protocol violation or an
// oversized frame, per spec.md §4.2: "payload exceeding MaxMsgSize is fatal
// for the session", and §9's direction-mismatch rule.
func (s *Session) fatal(err error) {
	s.setCloseErr(err)
	log.Debugw("mplex session fatal error", "error", err)
	s.Close()
}

// OpenChannel opens a new named channel, blocking until the New frame has
// been written.
func (s *Session) OpenChannel(ctx context.Context, name string) (*Channel, error) {
	s.chLock.Lock()
	if s.localChannels == nil {
		s.chLock.Unlock()
		return nil, ErrSessionClosed
	}
	id := s.nextID
	s.nextID++
	ch := newChannel(s, id, true, name)
	s.localChannels[id] = ch
	s.chLock.Unlock()

	if err := s.writeFrame(header(id, tagNewStream), []byte(name)); err != nil {
		return nil, err
	}
	return ch, nil
}

// AcceptChannel blocks until a remotely-opened channel arrives.
func (s *Session) AcceptChannel() (*Channel, error) {
	select {
	case ch, ok := <-s.incoming:
		if !ok {
			return nil, s.getCloseErr()
		}
		return ch, nil
	case <-s.closed:
		return nil, s.getCloseErr()
	}
}

// OpenStream implements network.MuxedConn.
func (s *Session) OpenStream(ctx context.Context) (network.MuxedStream, error) {
	return s.OpenChannel(ctx, "")
}

// AcceptStream implements network.MuxedConn.
func (s *Session) AcceptStream() (network.MuxedStream, error) {
	return s.AcceptChannel()
}

func header(id uint64, tag int) uint64 {
	return (id << 3) | uint64(tag)
}

// writeFrame serializes and writes one frame, holding the session-wide
// write lock so framed records never interleave on the wire. Larger
// payloads are the caller's responsibility to pre-split at MaxMessageSize.
func (s *Session) writeFrame(hdr uint64, data []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if s.IsClosed() {
		return ErrSessionClosed
	}

	buf := pool.Get(len(data) + 2*maxVarintLen)
	defer pool.Put(buf)

	n := varint.PutUvarint(buf, hdr)
	n += varint.PutUvarint(buf[n:], uint64(len(data)))
	n += copy(buf[n:], data)

	if _, err := s.conn.Write(buf[:n]); err != nil {
		s.fatal(err)
		return err
	}
	return nil
}

// readLoop is the session's single read task: it decodes frames and
// routes them to channels or the accept queue. Per spec.md §4.2.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		hdr, err := varint.ReadUvarint(s.buf)
		if err != nil {
			s.setCloseErr(err)
			return
		}
		id := hdr >> 3
		tag := int(hdr & 7)

		length, err := varint.ReadUvarint(s.buf)
		if err != nil {
			s.setCloseErr(err)
			return
		}
		if length > MaxMessageSize {
			s.fatal(fmt.Errorf("mplex: frame payload %d exceeds max message size", length))
			return
		}

		var payload []byte
		if length > 0 {
			payload = pool.Get(int(length))
			if _, err := io.ReadFull(s.buf, payload); err != nil {
				pool.Put(payload)
				s.setCloseErr(err)
				return
			}
		}

		if !s.handleFrame(id, tag, payload) {
			return
		}
	}
}

// handleFrame dispatches one decoded frame. It returns false if the
// session must stop reading (fatal error already recorded).
func (s *Session) handleFrame(id uint64, tag int, payload []byte) bool {
	switch tag {
	case tagNewStream:
		name := string(payload)
		pool.Put(payload)

		s.chLock.Lock()
		if s.remoteChannels == nil {
			s.chLock.Unlock()
			return false
		}
		if _, exists := s.remoteChannels[id]; exists {
			s.chLock.Unlock()
			s.fatal(fmt.Errorf("mplex: received New for already-open remote channel %d", id))
			return false
		}
		ch := newChannel(s, id, false, name)
		s.remoteChannels[id] = ch
		s.chLock.Unlock()

		select {
		case s.incoming <- ch:
		case <-s.closed:
			return false
		}
		return true
	}

	// Every other tag's parity tells us which table the channel lives in:
	// odd tags (MsgIn/CloseIn/ResetIn) are written by the side that did not
	// open the channel, i.e. the channel is in our local table; even tags
	// are written by the channel's opener, i.e. it's in our remote table.
	localInitiated := tag%2 == 1

	s.chLock.Lock()
	ch, ok := s.localChannels[id]
	if !localInitiated {
		ch, ok = s.remoteChannels[id]
	}
	if !ok {
		// Not in the table this frame's parity points at. If id is open in
		// the opposite table, the remote sent a frame for the wrong
		// direction of an id it knows is taken, a protocol violation fatal
		// per spec.md §9. Otherwise it's late traffic for an id neither
		// table knows (e.g. right after a reset): drop it.
		var existsOpposite bool
		if localInitiated {
			_, existsOpposite = s.remoteChannels[id]
		} else {
			_, existsOpposite = s.localChannels[id]
		}
		s.chLock.Unlock()
		if existsOpposite {
			pool.Put(payload)
			s.fatal(fmt.Errorf("mplex: direction mismatch for channel %d", id))
			return false
		}
		pool.Put(payload)
		return true
	}
	s.chLock.Unlock()

	switch tag {
	case tagMessageReceiver, tagMessageInitiator:
		ch.pushData(payload)
	case tagCloseReceiver, tagCloseInitiator:
		pool.Put(payload)
		ch.remoteClose()
	case tagResetReceiver, tagResetInitiator:
		pool.Put(payload)
		ch.remoteReset()
		s.removeChannel(ch)
	default:
		pool.Put(payload)
		s.fatal(fmt.Errorf("mplex: unknown frame tag %d", tag))
		return false
	}
	return true
}

func (s *Session) removeChannel(ch *Channel) {
	s.chLock.Lock()
	defer s.chLock.Unlock()
	if ch.initiator {
		if s.localChannels != nil {
			delete(s.localChannels, ch.id)
		}
	} else {
		if s.remoteChannels != nil {
			delete(s.remoteChannels, ch.id)
		}
	}
}
