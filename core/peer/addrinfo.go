package peer

import (
	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

// AddrInfo is a PeerId bundled with the information needed to reach and
// authenticate it. PrivateKey is only ever populated for the local peer;
// remote peers are described without it.
type AddrInfo struct {
	ID         ID
	PrivateKey crypto.PrivKey
	Addrs      []string
	Protocols  []protocol.ID
}

// AddrInfoFromPrivateKey builds the local peer's AddrInfo from its identity
// key and the addresses it listens on.
func AddrInfoFromPrivateKey(sk crypto.PrivKey, addrs ...string) (AddrInfo, error) {
	id, err := IDFromPublicKey(sk.GetPublic())
	if err != nil {
		return AddrInfo{}, err
	}
	return AddrInfo{ID: id, PrivateKey: sk, Addrs: addrs}, nil
}
