package crypto

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// Ed25519PrivateKey is an ed25519 private key.
type Ed25519PrivateKey struct {
	sk ed25519.PrivateKey
}

// Ed25519PublicKey is an ed25519 public key.
type Ed25519PublicKey struct {
	pk ed25519.PublicKey
}

// GenerateEd25519Key generates a new ed25519 private and public key pair.
func GenerateEd25519Key(src io.Reader) (PrivKey, PubKey, error) {
	pub, priv, err := ed25519.GenerateKey(src)
	if err != nil {
		return nil, nil, err
	}
	return &Ed25519PrivateKey{sk: priv}, &Ed25519PublicKey{pk: pub}, nil
}

func (k *Ed25519PrivateKey) Type() KeyType { return Ed25519 }

func (k *Ed25519PrivateKey) Raw() ([]byte, error) {
	out := make([]byte, len(k.sk))
	copy(out, k.sk)
	return out, nil
}

func (k *Ed25519PrivateKey) Equals(other Key) bool {
	o, ok := other.(*Ed25519PrivateKey)
	if !ok {
		return basicEquals(k, other)
	}
	return subtle.ConstantTimeCompare(k.sk, o.sk) == 1
}

func (k *Ed25519PrivateKey) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.sk, msg), nil
}

func (k *Ed25519PrivateKey) GetPublic() PubKey {
	pk := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pk, k.sk[ed25519.PrivateKeySize-ed25519.PublicKeySize:])
	return &Ed25519PublicKey{pk: pk}
}

func (k *Ed25519PublicKey) Type() KeyType { return Ed25519 }

func (k *Ed25519PublicKey) Raw() ([]byte, error) {
	out := make([]byte, len(k.pk))
	copy(out, k.pk)
	return out, nil
}

func (k *Ed25519PublicKey) Equals(other Key) bool {
	o, ok := other.(*Ed25519PublicKey)
	if !ok {
		return basicEquals(k, other)
	}
	return subtle.ConstantTimeCompare(k.pk, o.pk) == 1
}

func (k *Ed25519PublicKey) Verify(data, sig []byte) (bool, error) {
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("bad signature length: %d", len(sig))
	}
	return ed25519.Verify(k.pk, data, sig), nil
}

// MarshalPublicKey serializes a public key to its minimal wire form:
// a one-byte KeyType tag followed by the raw key bytes.
func MarshalPublicKey(pk PubKey) ([]byte, error) {
	raw, err := pk.Raw()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, byte(pk.Type()))
	out = append(out, raw...)
	return out, nil
}

// UnmarshalPublicKey parses the wire form produced by MarshalPublicKey.
func UnmarshalPublicKey(data []byte) (PubKey, error) {
	if len(data) < 1 {
		return nil, errors.New("empty public key bytes")
	}
	switch KeyType(data[0]) {
	case Ed25519:
		raw := data[1:]
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("bad ed25519 public key length: %d", len(raw))
		}
		pk := make(ed25519.PublicKey, ed25519.PublicKeySize)
		copy(pk, raw)
		return &Ed25519PublicKey{pk: pk}, nil
	default:
		return nil, ErrBadKeyType
	}
}

// MarshalPrivateKey serializes a private key using the same tag+raw scheme
// as MarshalPublicKey.
func MarshalPrivateKey(sk PrivKey) ([]byte, error) {
	raw, err := sk.Raw()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, byte(sk.Type()))
	out = append(out, raw...)
	return out, nil
}

// UnmarshalPrivateKey parses the wire form produced by MarshalPrivateKey.
func UnmarshalPrivateKey(data []byte) (PrivKey, error) {
	if len(data) < 1 {
		return nil, errors.New("empty private key bytes")
	}
	switch KeyType(data[0]) {
	case Ed25519:
		raw := data[1:]
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("bad ed25519 private key length: %d", len(raw))
		}
		sk := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(sk, raw)
		return &Ed25519PrivateKey{sk: sk}, nil
	default:
		return nil, ErrBadKeyType
	}
}
