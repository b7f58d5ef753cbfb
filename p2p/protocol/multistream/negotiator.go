package multistream

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

// Negotiate runs the initiator side of multistream-select: it sends the
// header, then offers each candidate id in order until the responder
// accepts one, replies "na" to all of them, or the underlying stream
// fails. Per spec.md §4.3's initiator algorithm.
func Negotiate(rw io.ReadWriter, candidates ...protocol.ID) (protocol.ID, error) {
	br := newByteReader(rw)

	if err := writeMsg(rw, string(ProtocolID)); err != nil {
		return "", fmt.Errorf("multistream: writing header: %w", err)
	}
	reply, err := readMsg(br)
	if err != nil {
		return "", fmt.Errorf("multistream: reading header echo: %w", err)
	}
	if reply != string(ProtocolID) {
		return "", fmt.Errorf("%w: got header %q", ErrUnexpectedResponse, reply)
	}

	for _, id := range candidates {
		if err := writeMsg(rw, string(id)); err != nil {
			return "", fmt.Errorf("multistream: offering %q: %w", id, err)
		}
		reply, err := readMsg(br)
		if err != nil {
			return "", fmt.Errorf("multistream: reading reply to %q: %w", id, err)
		}
		switch reply {
		case string(id):
			return id, nil
		case "na":
			continue
		default:
			return "", fmt.Errorf("%w: offered %q, got %q", ErrUnexpectedResponse, id, reply)
		}
	}
	return "", ErrNotSupported
}

// handlerEntry pairs a registered handler with either an exact protocol id
// or a matcher predicate, mirroring the teacher's matcher-first lookup
// pattern used in per-channel dispatch.
type handlerEntry struct {
	id      protocol.ID
	matcher protocol.MatchFunc
	handler HandlerFunc
}

// HandlerFunc is invoked on the responder side once a protocol id has been
// selected; it receives the protocol id actually negotiated (useful when
// a MatchFunc was used) and the stream to continue as that protocol.
type HandlerFunc func(id protocol.ID, rwc io.ReadWriteCloser) error

// Multistream is the responder-side negotiator: a table of registered
// protocol handlers plus the accept/listing loop.
type Multistream struct {
	mu       sync.RWMutex
	handlers []handlerEntry
}

// NewMultistream returns an empty responder-side negotiator.
func NewMultistream() *Multistream {
	return &Multistream{}
}

// AddHandler registers an exact-match protocol id.
func (m *Multistream) AddHandler(id protocol.ID, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handlerEntry{id: id, handler: h})
}

// AddHandlerWithMatch registers a handler selected via a custom predicate
// instead of an exact id match, per spec.md §4.3's "matcher-predicate"
// responder rule.
func (m *Multistream) AddHandlerWithMatch(id protocol.ID, match protocol.MatchFunc, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handlerEntry{id: id, matcher: match, handler: h})
}

// RemoveHandler drops a previously registered protocol id.
func (m *Multistream) RemoveHandler(id protocol.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.handlers {
		if e.id == id {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// Protocols returns the id of every registered handler entry, in
// registration order, for an "ls" listing reply; for a matcher entry this
// is the id it was registered under.
func (m *Multistream) Protocols() []protocol.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]protocol.ID, 0, len(m.handlers))
	for _, e := range m.handlers {
		ids = append(ids, e.id)
	}
	return ids
}

func (m *Multistream) find(id protocol.ID) *handlerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.handlers {
		e := &m.handlers[i]
		if e.matcher != nil {
			if e.matcher(id) {
				return e
			}
			continue
		}
		if e.id == id {
			return e
		}
	}
	return nil
}

// Handle runs the responder side over rwc: it reads the header, echoes
// it, then loops reading candidate ids, replying "na" for anything
// unregistered and "ls" listings on request, until a match is found and
// dispatched to its handler. Per spec.md §4.3's responder algorithm.
func (m *Multistream) Handle(rwc io.ReadWriteCloser) error {
	br := newByteReader(rwc)

	hdr, err := readMsg(br)
	if err != nil {
		return fmt.Errorf("multistream: reading header: %w", err)
	}
	if hdr != string(ProtocolID) {
		return fmt.Errorf("%w: got header %q", ErrUnexpectedResponse, hdr)
	}
	if err := writeMsg(rwc, string(ProtocolID)); err != nil {
		return fmt.Errorf("multistream: echoing header: %w", err)
	}

	for {
		id, err := readMsg(br)
		if err != nil {
			return fmt.Errorf("multistream: reading candidate: %w", err)
		}

		if id == "ls" {
			if err := m.replyLs(rwc); err != nil {
				return err
			}
			continue
		}

		entry := m.find(protocol.ID(id))
		if entry == nil {
			log.Debugw("multistream: no handler, replying na", "id", id)
			if err := writeMsg(rwc, "na"); err != nil {
				return fmt.Errorf("multistream: writing na: %w", err)
			}
			continue
		}

		if err := writeMsg(rwc, id); err != nil {
			return fmt.Errorf("multistream: echoing selected %q: %w", id, err)
		}
		return entry.handler(protocol.ID(id), rwc)
	}
}

// replyLs answers an "ls" request with one message carrying every
// registered protocol id, each newline-terminated, with a single length
// prefix for the whole concatenation, per spec.md §4.3.
func (m *Multistream) replyLs(w io.Writer) error {
	ids := m.Protocols()
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(string(id))
		sb.WriteByte('\n')
	}
	return writeFramed(w, []byte(sb.String()))
}
