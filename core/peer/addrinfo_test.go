package peer_test

import (
	"crypto/rand"
	"testing"

	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	. "github.com/TheNoobiCat/go-libp2p-core/core/peer"
	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
	"github.com/stretchr/testify/require"
)

func TestIDFromPublicKeyIsStable(t *testing.T) {
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)

	id1, err := IDFromPublicKey(pub)
	require.NoError(t, err)
	id2, err := IDFromPublicKey(pub)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.True(t, id1.MatchesPublicKey(pub))
}

func TestAddrInfoFromPrivateKey(t *testing.T) {
	sk, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)

	ai, err := AddrInfoFromPrivateKey(sk, "127.0.0.1:4001")
	require.NoError(t, err)
	require.Equal(t, sk, ai.PrivateKey)
	require.Equal(t, []string{"127.0.0.1:4001"}, ai.Addrs)

	id, err := IDFromPublicKey(sk.GetPublic())
	require.NoError(t, err)
	require.Equal(t, id, ai.ID)
}

func TestAddrInfoJSON(t *testing.T) {
	sk, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := IDFromPublicKey(sk.GetPublic())
	require.NoError(t, err)

	ai := AddrInfo{ID: id, Addrs: []string{"127.0.0.1:4001"}, Protocols: []protocol.ID{"/floodsub/1.0.0"}}
	out, err := ai.MarshalJSON()
	require.NoError(t, err)

	var back AddrInfo
	require.NoError(t, back.UnmarshalJSON(out))
	require.Equal(t, ai.ID, back.ID)
	require.Equal(t, ai.Addrs, back.Addrs)
	require.Equal(t, ai.Protocols, back.Protocols)
	require.Nil(t, back.PrivateKey)
}
