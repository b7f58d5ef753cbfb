// Package multistream implements the multistream-select protocol
// negotiator: both sides of a freshly opened byte stream exchange a
// header, then the initiator offers protocol ids one at a time until the
// responder accepts one or every candidate is exhausted.
package multistream

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-varint"

	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

var log = logging.Logger("multistream")

// ProtocolID is the header both sides exchange before negotiating.
const ProtocolID = protocol.NegotiatorID

// ErrNotSupported is returned by the initiator when the responder rejected
// every offered protocol id.
var ErrNotSupported = errors.New("multistream: protocol not supported")

// ErrUnexpectedResponse is returned when the responder's reply does not
// match any candidate and is not "na".
var ErrUnexpectedResponse = errors.New("multistream: unexpected response")

// writeFramed writes varint(len(body)) || body, with no further framing.
// Used directly by the "ls" listing reply, whose body is already
// newline-terminated per entry.
func writeFramed(w io.Writer, body []byte) error {
	lbuf := make([]byte, varint.UvarintSize(uint64(len(body))))
	varint.PutUvarint(lbuf, uint64(len(body)))
	if _, err := w.Write(lbuf); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// writeMsg writes one length-prefixed, newline-terminated message, per
// spec.md §4.3's wire format: varint(len) || utf8 || '\n'.
func writeMsg(w io.Writer, s string) error {
	return writeFramed(w, []byte(s+"\n"))
}

// readMsg reads one length-prefixed, newline-terminated message and
// returns it without the trailing newline.
func readMsg(r *byteReader) (string, error) {
	l, err := varint.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if l == 0 || l > maxMsgSize {
		return "", fmt.Errorf("multistream: invalid message length %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if buf[l-1] != '\n' {
		return "", fmt.Errorf("multistream: message missing trailing newline")
	}
	return string(buf[:l-1]), nil
}

// maxMsgSize bounds a single negotiation message; no legitimate protocol
// id or ls listing in this stack approaches it.
const maxMsgSize = 64 * 1024

// byteReader adapts an io.Reader lacking ReadByte (e.g. a raw net.Conn or
// mplex Channel) to io.ByteReader, matching varint.ReadUvarint's
// requirement, and is reused across every read in a negotiation so bytes
// read past a message boundary are never dropped.
type byteReader struct {
	*bufio.Reader
}

func newByteReader(r io.Reader) *byteReader {
	if br, ok := r.(*byteReader); ok {
		return br
	}
	return &byteReader{bufio.NewReader(r)}
}
