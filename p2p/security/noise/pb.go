package noise

import (
	"bytes"
	"errors"
	"io"

	"github.com/multiformats/go-varint"
)

// NoiseExtensions carries optional early-data fields alongside the
// handshake payload. Neither field is used by the core handshake;
// Marshal and Unmarshal encode and decode them, mirroring the teacher's
// pb.NoiseExtensions.
type NoiseExtensions struct {
	WebtransportCerthashes [][]byte
	StreamMuxers           []string
}

// NoiseHandshakePayload is the libp2p-identity payload exchanged inside
// the Noise handshake, per spec.md §4.1: {public_key_bytes (field 1),
// signature (field 2)}, plus an optional extensions sub-message (field 3).
//
// It is encoded directly on the wire with protobuf-compatible
// field-tag/varint/length-delimited framing rather than through generated
// proto.Message code; see DESIGN.md for why.
type NoiseHandshakePayload struct {
	IdentityKey []byte
	IdentitySig []byte
	Extensions  *NoiseExtensions
}

const (
	fieldIdentityKey = 1
	fieldIdentitySig = 2
	fieldExtensions  = 3

	fieldExtCerthash = 1
	fieldExtMuxer    = 2

	wireVarint = 0
	wireBytes  = 2
)

func putTag(buf *bytes.Buffer, field int, wireType int) {
	tag := uint64(field)<<3 | uint64(wireType)
	var tmp [binary10]byte
	n := varint.PutUvarint(tmp[:], tag)
	buf.Write(tmp[:n])
}

// binary10 is large enough for any varint-encoded uint64.
const binary10 = 10

func putBytesField(buf *bytes.Buffer, field int, data []byte) {
	if data == nil {
		return
	}
	putTag(buf, field, wireBytes)
	var tmp [binary10]byte
	n := varint.PutUvarint(tmp[:], uint64(len(data)))
	buf.Write(tmp[:n])
	buf.Write(data)
}

func putStringField(buf *bytes.Buffer, field int, s string) {
	putBytesField(buf, field, []byte(s))
}

// Marshal encodes the handshake payload as a protobuf-compatible byte
// string.
func (p *NoiseHandshakePayload) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	putBytesField(&buf, fieldIdentityKey, p.IdentityKey)
	putBytesField(&buf, fieldIdentitySig, p.IdentitySig)
	if p.Extensions != nil {
		var ext bytes.Buffer
		for _, ch := range p.Extensions.WebtransportCerthashes {
			putBytesField(&ext, fieldExtCerthash, ch)
		}
		for _, m := range p.Extensions.StreamMuxers {
			putStringField(&ext, fieldExtMuxer, m)
		}
		putBytesField(&buf, fieldExtensions, ext.Bytes())
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal (or any conformant
// protobuf-wire encoder emitting the same field numbers).
func (p *NoiseHandshakePayload) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		tag, err := varint.ReadUvarint(r)
		if err != nil {
			return err
		}
		field := int(tag >> 3)
		wireType := int(tag & 7)
		if wireType != wireBytes {
			return errors.New("noise: unsupported wire type in handshake payload")
		}
		ln, err := varint.ReadUvarint(r)
		if err != nil {
			return err
		}
		val := make([]byte, ln)
		if _, err := io.ReadFull(r, val); err != nil {
			return err
		}
		switch field {
		case fieldIdentityKey:
			p.IdentityKey = val
		case fieldIdentitySig:
			p.IdentitySig = val
		case fieldExtensions:
			ext := &NoiseExtensions{}
			if err := ext.unmarshal(val); err != nil {
				return err
			}
			p.Extensions = ext
		default:
			// unknown field: ignore, forwards-compatible.
		}
	}
	return nil
}

func (e *NoiseExtensions) unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		tag, err := varint.ReadUvarint(r)
		if err != nil {
			return err
		}
		field := int(tag >> 3)
		wireType := int(tag & 7)
		if wireType != wireBytes {
			return errors.New("noise: unsupported wire type in extensions")
		}
		ln, err := varint.ReadUvarint(r)
		if err != nil {
			return err
		}
		val := make([]byte, ln)
		if _, err := io.ReadFull(r, val); err != nil {
			return err
		}
		switch field {
		case fieldExtCerthash:
			e.WebtransportCerthashes = append(e.WebtransportCerthashes, val)
		case fieldExtMuxer:
			e.StreamMuxers = append(e.StreamMuxers, string(val))
		}
	}
	return nil
}

func (p *NoiseHandshakePayload) GetIdentityKey() []byte { return p.IdentityKey }
func (p *NoiseHandshakePayload) GetIdentitySig() []byte { return p.IdentitySig }
