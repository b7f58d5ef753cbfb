// Package noise implements the Noise XX secure-channel transport described
// by spec.md §4: a Noise_XX_25519_ChaChaPoly_SHA256 handshake carrying a
// signed libp2p-identity payload, followed by a length-prefixed encrypted
// record layer.
package noise

import (
	"context"
	"net"

	logging "github.com/ipfs/go-log/v2"

	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
	"github.com/TheNoobiCat/go-libp2p-core/core/sec"
)

var log = logging.Logger("noise")

// ID is the protocol id this transport negotiates under multistream-select.
const ID = protocol.ID("/noise")

// Transport constructs secured connections using a fixed local identity.
type Transport struct {
	localID  peer.ID
	localKey crypto.PrivKey
	prologue []byte
}

var _ sec.SecureTransport = (*Transport)(nil)

// New builds a Transport for the given identity keypair. prologue, when
// non-nil, is mixed into the handshake transcript; both sides must agree
// on the same bytes or the handshake fails.
func New(privkey crypto.PrivKey, prologue []byte) (*Transport, error) {
	id, err := peer.IDFromPublicKey(privkey.GetPublic())
	if err != nil {
		return nil, err
	}
	return &Transport{
		localID:  id,
		localKey: privkey,
		prologue: prologue,
	}, nil
}

func (t *Transport) ID() protocol.ID { return ID }

// SecureInbound runs the responder side of the handshake. If p is
// non-empty the remote's asserted identity is checked against it.
func (t *Transport) SecureInbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	session, err := newSecureSession(ctx, t.localID, t.localKey, insecure, p, t.prologue, false, p != "")
	if err != nil {
		log.Debugw("inbound handshake failed", "peer", p, "error", err)
		return nil, err
	}
	return session, nil
}

// SecureOutbound runs the initiator side of the handshake, dialing peer p.
func (t *Transport) SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	session, err := newSecureSession(ctx, t.localID, t.localKey, insecure, p, t.prologue, true, true)
	if err != nil {
		log.Debugw("outbound handshake failed", "peer", p, "error", err)
		return nil, err
	}
	return session, nil
}
