package pubsub

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// Wire format for pubsub RPCs, framed the same way as the rest of this
// module's protocols: varint(length) || body. A generated protobuf codec
// would normally carry these types, but without a protoc toolchain in this
// build a real one can't be hand-authored faithfully; this codec reuses
// go-varint for length-prefixing and writes fields in a fixed order instead.

const maxRPCSize = 64 * 1024

// message is the application-level payload carried inside an rpc.
type message struct {
	From      []byte
	Data      []byte
	Seqno     []byte
	TopicIDs  []string
	Signature []byte
	Key       []byte
}

type subOpts struct {
	Topic     string
	Subscribe bool
}

type controlGraft struct{ TopicID string }
type controlPrune struct{ TopicID string }
type controlIHave struct {
	TopicID    string
	MessageIDs []string
}
type controlIWant struct{ MessageIDs []string }

type controlMessage struct {
	Graft []controlGraft
	Prune []controlPrune
	Ihave []controlIHave
	Iwant []controlIWant
}

// rpc is one frame on the wire: zero or more subscription changes, zero or
// more published messages, and an optional gossip control message.
type rpc struct {
	Subscriptions []subOpts
	Publish       []message
	Control       *controlMessage
}

func writeBytes(w io.Writer, b []byte) error {
	if err := varint.WriteUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeString(w io.Writer, s string) error { return writeBytes(w, []byte(s)) }

func readBytes(r *bufio.Reader, max int) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if int(n) > max {
		return nil, fmt.Errorf("pubsub: field exceeds %d bytes", max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readString(r *bufio.Reader, max int) (string, error) {
	b, err := readBytes(r, max)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (m *message) encode(w io.Writer) error {
	if err := writeBytes(w, m.From); err != nil {
		return err
	}
	if err := writeBytes(w, m.Data); err != nil {
		return err
	}
	if err := writeBytes(w, m.Seqno); err != nil {
		return err
	}
	if err := varint.WriteUvarint(w, uint64(len(m.TopicIDs))); err != nil {
		return err
	}
	for _, t := range m.TopicIDs {
		if err := writeString(w, t); err != nil {
			return err
		}
	}
	if err := writeBytes(w, m.Signature); err != nil {
		return err
	}
	return writeBytes(w, m.Key)
}

func decodeMessage(r *bufio.Reader) (*message, error) {
	m := &message{}
	var err error
	if m.From, err = readBytes(r, maxRPCSize); err != nil {
		return nil, err
	}
	if m.Data, err = readBytes(r, maxRPCSize); err != nil {
		return nil, err
	}
	if m.Seqno, err = readBytes(r, maxRPCSize); err != nil {
		return nil, err
	}
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	m.TopicIDs = make([]string, n)
	for i := range m.TopicIDs {
		if m.TopicIDs[i], err = readString(r, maxRPCSize); err != nil {
			return nil, err
		}
	}
	if m.Signature, err = readBytes(r, maxRPCSize); err != nil {
		return nil, err
	}
	if m.Key, err = readBytes(r, maxRPCSize); err != nil {
		return nil, err
	}
	return m, nil
}

func writeStringSlice(w io.Writer, ss []string) error {
	if err := varint.WriteUvarint(w, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringSlice(r *bufio.Reader) ([]string, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = readString(r, maxRPCSize); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *controlMessage) encode(w io.Writer) error {
	if err := varint.WriteUvarint(w, uint64(len(c.Graft))); err != nil {
		return err
	}
	for _, g := range c.Graft {
		if err := writeString(w, g.TopicID); err != nil {
			return err
		}
	}
	if err := varint.WriteUvarint(w, uint64(len(c.Prune))); err != nil {
		return err
	}
	for _, p := range c.Prune {
		if err := writeString(w, p.TopicID); err != nil {
			return err
		}
	}
	if err := varint.WriteUvarint(w, uint64(len(c.Ihave))); err != nil {
		return err
	}
	for _, ih := range c.Ihave {
		if err := writeString(w, ih.TopicID); err != nil {
			return err
		}
		if err := writeStringSlice(w, ih.MessageIDs); err != nil {
			return err
		}
	}
	if err := varint.WriteUvarint(w, uint64(len(c.Iwant))); err != nil {
		return err
	}
	for _, iw := range c.Iwant {
		if err := writeStringSlice(w, iw.MessageIDs); err != nil {
			return err
		}
	}
	return nil
}

func decodeControl(r *bufio.Reader) (*controlMessage, error) {
	c := &controlMessage{}
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	c.Graft = make([]controlGraft, n)
	for i := range c.Graft {
		if c.Graft[i].TopicID, err = readString(r, maxRPCSize); err != nil {
			return nil, err
		}
	}
	if n, err = varint.ReadUvarint(r); err != nil {
		return nil, err
	}
	c.Prune = make([]controlPrune, n)
	for i := range c.Prune {
		if c.Prune[i].TopicID, err = readString(r, maxRPCSize); err != nil {
			return nil, err
		}
	}
	if n, err = varint.ReadUvarint(r); err != nil {
		return nil, err
	}
	c.Ihave = make([]controlIHave, n)
	for i := range c.Ihave {
		if c.Ihave[i].TopicID, err = readString(r, maxRPCSize); err != nil {
			return nil, err
		}
		if c.Ihave[i].MessageIDs, err = readStringSlice(r); err != nil {
			return nil, err
		}
	}
	if n, err = varint.ReadUvarint(r); err != nil {
		return nil, err
	}
	c.Iwant = make([]controlIWant, n)
	for i := range c.Iwant {
		if c.Iwant[i].MessageIDs, err = readStringSlice(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (rm *rpc) encode(w io.Writer) error {
	if err := varint.WriteUvarint(w, uint64(len(rm.Subscriptions))); err != nil {
		return err
	}
	for _, s := range rm.Subscriptions {
		if err := writeString(w, s.Topic); err != nil {
			return err
		}
		b := byte(0)
		if s.Subscribe {
			b = 1
		}
		if _, err := w.Write([]byte{b}); err != nil {
			return err
		}
	}
	if err := varint.WriteUvarint(w, uint64(len(rm.Publish))); err != nil {
		return err
	}
	for i := range rm.Publish {
		if err := rm.Publish[i].encode(w); err != nil {
			return err
		}
	}
	if rm.Control == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	return rm.Control.encode(w)
}

// writeRPC frames rm with the module-wide varint(length) || body envelope.
func writeRPC(w io.Writer, rm *rpc) error {
	var buf bufWriter
	if err := rm.encode(&buf); err != nil {
		return err
	}
	if err := varint.WriteUvarint(w, uint64(len(buf.b))); err != nil {
		return err
	}
	_, err := w.Write(buf.b)
	return err
}

// readRPCWithRaw reads one complete framed rpc off r, returning both the
// decoded value and its raw encoded body (used for the per-peer received
// fingerprint cache, which dedups on exact bytes rather than message id).
func readRPCWithRaw(r *bufio.Reader) ([]byte, *rpc, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, nil, err
	}
	if size > maxRPCSize {
		return nil, nil, fmt.Errorf("pubsub: rpc frame of %d bytes exceeds %d", size, maxRPCSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	rm, err := decodeRPC(body)
	if err != nil {
		return nil, nil, err
	}
	return body, rm, nil
}

func decodeRPC(body []byte) (*rpc, error) {
	br := bufio.NewReader(&bufReader{b: body})

	rm := &rpc{}
	n, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	rm.Subscriptions = make([]subOpts, n)
	for i := range rm.Subscriptions {
		topic, err := readString(br, maxRPCSize)
		if err != nil {
			return nil, err
		}
		flag, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		rm.Subscriptions[i] = subOpts{Topic: topic, Subscribe: flag != 0}
	}
	if n, err = varint.ReadUvarint(br); err != nil {
		return nil, err
	}
	rm.Publish = make([]message, n)
	for i := range rm.Publish {
		m, err := decodeMessage(br)
		if err != nil {
			return nil, err
		}
		rm.Publish[i] = *m
	}
	hasControl, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	if hasControl != 0 {
		if rm.Control, err = decodeControl(br); err != nil {
			return nil, err
		}
	}
	return rm, nil
}

// bufWriter is a minimal growable byte sink, avoiding a bytes.Buffer import
// purely for symmetry with bufReader below.
type bufWriter struct{ b []byte }

func (w *bufWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

type bufReader struct {
	b []byte
	i int
}

func (r *bufReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
