package noise

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/sec"

	"github.com/flynn/noise"
	pool "github.com/libp2p/go-buffer-pool"
)

// payloadSigPrefix is prepended to our Noise static key before signing with
// our libp2p identity key, per spec.md §4.1.
const payloadSigPrefix = "noise-libp2p-static-key:"

// HandshakeTimeout is the hard deadline for completing the XX handshake.
const HandshakeTimeout = 60 * time.Second

// LengthPrefixLength is the size of the record-layer / handshake-message
// length prefix.
const LengthPrefixLength = 2

// cipherSuite fixes the XX pattern to Curve25519 / ChaCha20-Poly1305 /
// SHA-256, i.e. protocol name "Noise_XX_25519_ChaChaPoly_SHA256".
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// runHandshake exchanges the three XX handshake messages with the remote
// peer. It blocks until the handshake completes or fails.
func (s *secureSession) runHandshake(ctx context.Context) (err error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("error generating static keypair: %w", err)
	}

	cfg := noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     s.initiator,
		StaticKeypair: kp,
		Prologue:      s.prologue,
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return fmt.Errorf("error initializing handshake state: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.SetDeadline(deadline); err == nil {
			defer s.SetDeadline(time.Time{})
		}
	}

	hbuf := pool.Get(2 << 10)
	defer pool.Put(hbuf)

	if s.initiator {
		// message 1: e
		if err := s.sendHandshakeMessage(hs, nil, hbuf); err != nil {
			return newHandshakeError(fmt.Errorf("sending message 1: %w", err))
		}

		// message 2: e, ee, s, es
		plaintext, err := s.readHandshakeMessage(hs)
		if err != nil {
			return newHandshakeError(fmt.Errorf("reading message 2: %w", err))
		}
		if err := s.handleRemoteHandshakePayload(plaintext, hs.PeerStatic()); err != nil {
			return err
		}

		// message 3: s, se
		payload, err := s.generateHandshakePayload(kp)
		if err != nil {
			return err
		}
		if err := s.sendHandshakeMessage(hs, payload, hbuf); err != nil {
			return newHandshakeError(fmt.Errorf("sending message 3: %w", err))
		}
		return nil
	}

	// message 1: e
	if _, err := s.readHandshakeMessage(hs); err != nil {
		return newHandshakeError(fmt.Errorf("reading message 1: %w", err))
	}

	// message 2: e, ee, s, es
	payload, err := s.generateHandshakePayload(kp)
	if err != nil {
		return err
	}
	if err := s.sendHandshakeMessage(hs, payload, hbuf); err != nil {
		return newHandshakeError(fmt.Errorf("sending message 2: %w", err))
	}

	// message 3: s, se
	plaintext, err := s.readHandshakeMessage(hs)
	if err != nil {
		return newHandshakeError(fmt.Errorf("reading message 3: %w", err))
	}
	if err := s.handleRemoteHandshakePayload(plaintext, hs.PeerStatic()); err != nil {
		return err
	}
	return nil
}

// setCipherStates sets the cipher states produced by the final handshake
// message. The initiator writes with cs1 and reads with cs2; the
// responder inverts.
func (s *secureSession) setCipherStates(cs1, cs2 *noise.CipherState) {
	if s.initiator {
		s.enc = cs1
		s.dec = cs2
	} else {
		s.enc = cs2
		s.dec = cs1
	}
}

// sendHandshakeMessage sends the next handshake message in the sequence,
// framed with a 2-byte big-endian length prefix.
func (s *secureSession) sendHandshakeMessage(hs *noise.HandshakeState, payload []byte, hbuf []byte) error {
	bz, cs1, cs2, err := hs.WriteMessage(hbuf[:LengthPrefixLength], payload)
	if err != nil {
		return err
	}

	binary.BigEndian.PutUint16(bz, uint16(len(bz)-LengthPrefixLength))

	if _, err := s.insecureConn.Write(bz); err != nil {
		return err
	}

	if cs1 != nil && cs2 != nil {
		s.setCipherStates(cs1, cs2)
	}
	return nil
}

// readHandshakeMessage reads and processes the next expected handshake
// message, decrypting any carried payload.
func (s *secureSession) readHandshakeMessage(hs *noise.HandshakeState) ([]byte, error) {
	var lenBuf [LengthPrefixLength]byte
	if _, err := io.ReadFull(s.insecureReader, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading handshake length: %w", err)
	}
	l := binary.BigEndian.Uint16(lenBuf[:])

	buf := pool.Get(int(l))
	defer pool.Put(buf)

	if _, err := io.ReadFull(s.insecureReader, buf); err != nil {
		return nil, fmt.Errorf("reading handshake body: %w", err)
	}

	msg, cs1, cs2, err := hs.ReadMessage(nil, buf)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		s.setCipherStates(cs1, cs2)
	}
	return msg, nil
}

// generateHandshakePayload creates the libp2p-identity payload: our
// static Noise key signed by our long-term identity key.
func (s *secureSession) generateHandshakePayload(localStatic noise.DHKey) ([]byte, error) {
	localKeyRaw, err := crypto.MarshalPublicKey(s.LocalPublicKey())
	if err != nil {
		return nil, fmt.Errorf("error serializing identity key: %w", err)
	}

	toSign := append([]byte(payloadSigPrefix), localStatic.Public...)
	signedPayload, err := s.localKey.Sign(toSign)
	if err != nil {
		return nil, fmt.Errorf("error signing handshake payload: %w", err)
	}

	payload := &NoiseHandshakePayload{
		IdentityKey: localKeyRaw,
		IdentitySig: signedPayload,
	}
	return payload.Marshal()
}

// handleRemoteHandshakePayload unmarshals and validates the remote peer's
// handshake payload, checking the signature and (if requested) the PeerId.
func (s *secureSession) handleRemoteHandshakePayload(payload []byte, remoteStatic []byte) error {
	nhp := new(NoiseHandshakePayload)
	if err := nhp.Unmarshal(payload); err != nil {
		return newHandshakeError(fmt.Errorf("unmarshaling remote handshake payload: %w", err))
	}

	remotePubKey, err := crypto.UnmarshalPublicKey(nhp.GetIdentityKey())
	if err != nil {
		return newHandshakeError(err)
	}
	id, err := peer.IDFromPublicKey(remotePubKey)
	if err != nil {
		return newHandshakeError(err)
	}

	if s.checkPeerID && s.remoteID != "" && s.remoteID != id {
		return newHandshakeError(sec.ErrPeerIDMismatch{Expected: s.remoteID, Actual: id})
	}

	sig := nhp.GetIdentitySig()
	msg := append([]byte(payloadSigPrefix), remoteStatic...)
	ok, err := remotePubKey.Verify(msg, sig)
	if err != nil {
		return newHandshakeError(fmt.Errorf("verifying signature: %w", err))
	} else if !ok {
		return newHandshakeError(fmt.Errorf("handshake signature invalid"))
	}

	s.remoteID = id
	s.remoteKey = remotePubKey
	return nil
}
