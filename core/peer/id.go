// Package peer provides the PeerId identifier and the PeerInfo record used
// throughout the connection pipeline.
package peer

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
)

// ID is a stable identifier derived from a peer's public key. Equality and
// hashing are by byte representation; the zero value is not a valid ID.
type ID string

// ErrEmptyPeerID is returned by operations on the empty peer ID.
var ErrEmptyPeerID = errors.New("empty peer ID")

// IDFromPublicKey derives the ID for a public key by hashing its marshaled
// form with SHA-256. Real libp2p embeds small keys directly via multihash
// identity digests and hashes larger ones; multihash framing is an external
// collaborator per spec.md §1, so this always hashes.
func IDFromPublicKey(pk crypto.PubKey) (ID, error) {
	b, err := crypto.MarshalPublicKey(pk)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(b)
	return ID(digest[:]), nil
}

// String returns a base64-encoded, human-printable form of the ID.
func (id ID) String() string {
	return base64.RawStdEncoding.EncodeToString([]byte(id))
}

// Validate returns an error if the ID is empty.
func (id ID) Validate() error {
	if id == "" {
		return ErrEmptyPeerID
	}
	return nil
}

// MatchesPublicKey reports whether id is the ID derived from pk.
func (id ID) MatchesPublicKey(pk crypto.PubKey) bool {
	oid, err := IDFromPublicKey(pk)
	if err != nil {
		return false
	}
	return id == oid
}
