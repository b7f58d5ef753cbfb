// Package crypto provides the key interfaces used to authenticate peers.
package crypto

import "errors"

// KeyType distinguishes among the key algorithms this module understands.
type KeyType byte

const (
	// Ed25519 is currently the only supported key type; it is the one the
	// Noise handshake's libp2p-identity payload is signed with.
	Ed25519 KeyType = 1
)

// ErrBadKeyType is returned when unmarshaling a key with an unknown type byte.
var ErrBadKeyType = errors.New("invalid or unsupported key type")

// Key represents a crypto key that can be compared to another key.
type Key interface {
	// Equals checks whether two keys are the same.
	Equals(Key) bool

	// Raw returns the raw, unserialized bytes of this key.
	Raw() ([]byte, error)

	// Type returns the key's algorithm.
	Type() KeyType
}

// PubKey is a key that can be used to verify signatures produced by the
// corresponding PrivKey.
type PubKey interface {
	Key

	// Verify verifies a signature over the given data produced by the
	// corresponding PrivKey.
	Verify(data, sig []byte) (bool, error)
}

// PrivKey represents a private key and can be used to produce signatures
// and to derive the corresponding PubKey.
type PrivKey interface {
	Key

	// Sign signs the given data.
	Sign([]byte) ([]byte, error)

	// GetPublic returns the public key paired with this private key.
	GetPublic() PubKey
}

func basicEquals(k1, k2 Key) bool {
	if k1.Type() != k2.Type() {
		return false
	}
	a, err := k1.Raw()
	if err != nil {
		return false
	}
	b, err := k2.Raw()
	if err != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
