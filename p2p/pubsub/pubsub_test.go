package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"

	"github.com/TheNoobiCat/go-libp2p-core/p2p/net/swarm"
)

func newTestHost(t *testing.T) *swarm.Switch {
	t.Helper()
	sk, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	sw, err := swarm.New(sk, swarm.NewTCPTransport(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sw.Close() })
	return sw
}

func dialHosts(t *testing.T) (a, b *swarm.Switch) {
	t.Helper()
	a = newTestHost(t)
	b = newTestHost(t)

	require.NoError(t, a.Listen("127.0.0.1:0"))
	addrs := a.Addrs()
	require.Len(t, addrs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Connect(ctx, a.ID(), addrs[0]))
	return a, b
}

func TestFloodSubDeliversAcrossTwoPeers(t *testing.T) {
	ha, hb := dialHosts(t)

	psA, err := NewFloodSub(ha)
	require.NoError(t, err)
	psB, err := NewFloodSub(hb)
	require.NoError(t, err)

	subB := psB.Join("chat").Subscribe()

	require.Eventually(t, func() bool {
		psA.mu.Lock()
		defer psA.mu.Unlock()
		return len(psA.peerTopics["chat"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, psA.Join("chat").Publish(ctx, []byte("hello"), false))

	msg, err := subB.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg.Data)
	require.Equal(t, ha.ID(), msg.ReceivedFrom)
}

func TestFloodSubSkipsDuplicateDeliveryToSamePeer(t *testing.T) {
	ha, hb := dialHosts(t)

	psA, err := NewFloodSub(ha)
	require.NoError(t, err)
	psB, err := NewFloodSub(hb)
	require.NoError(t, err)

	subB1 := psB.Join("dup").Subscribe()
	subB2 := psB.Join("dup").Subscribe()

	require.Eventually(t, func() bool {
		psA.mu.Lock()
		defer psA.mu.Unlock()
		return len(psA.peerTopics["dup"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, psA.Join("dup").Publish(ctx, []byte("once"), false))

	m1, err := subB1.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("once"), m1.Data)

	m2, err := subB2.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("once"), m2.Data)
}

func TestSubscribeAnnouncesAndCancelWithdraws(t *testing.T) {
	ha, hb := dialHosts(t)

	psA, err := NewFloodSub(ha)
	require.NoError(t, err)
	psB, err := NewFloodSub(hb)
	require.NoError(t, err)

	sub := psB.Join("ephemeral").Subscribe()
	require.Eventually(t, func() bool {
		psA.mu.Lock()
		defer psA.mu.Unlock()
		return len(psA.peerTopics["ephemeral"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sub.Cancel()
	require.Eventually(t, func() bool {
		psA.mu.Lock()
		defer psA.mu.Unlock()
		return len(psA.peerTopics["ephemeral"]) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestValidatorRejectsMessage(t *testing.T) {
	ha, hb := dialHosts(t)

	psA, err := NewFloodSub(ha)
	require.NoError(t, err)
	psB, err := NewFloodSub(hb)
	require.NoError(t, err)

	psB.RegisterTopicValidator("gated", func(ctx context.Context, from peer.ID, msg *Message) bool {
		return false
	})
	sub := psB.Join("gated").Subscribe()

	require.Eventually(t, func() bool {
		psA.mu.Lock()
		defer psA.mu.Unlock()
		return len(psA.peerTopics["gated"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, psA.Join("gated").Publish(context.Background(), []byte("nope"), false))

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValidatorPanicIsIsolatedAndRejects(t *testing.T) {
	ha, hb := dialHosts(t)

	psA, err := NewFloodSub(ha)
	require.NoError(t, err)
	psB, err := NewFloodSub(hb)
	require.NoError(t, err)

	psB.RegisterTopicValidator("panicky", func(ctx context.Context, from peer.ID, msg *Message) bool {
		panic("boom")
	})
	sub := psB.Join("panicky").Subscribe()

	require.Eventually(t, func() bool {
		psA.mu.Lock()
		defer psA.mu.Unlock()
		return len(psA.peerTopics["panicky"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, psA.Join("panicky").Publish(context.Background(), []byte("x"), false))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlacklistedPeerIsDropped(t *testing.T) {
	ha, hb := dialHosts(t)

	psA, err := NewFloodSub(ha)
	require.NoError(t, err)
	_, err = NewFloodSub(hb)
	require.NoError(t, err)

	psA.BlacklistPeer(hb.ID())

	_, ok := psA.peerByID(hb.ID())
	require.False(t, ok)
}

func TestSignedMessageVerification(t *testing.T) {
	sk, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)

	ha, hb := dialHosts(t)

	psA, err := NewFloodSub(ha, WithMessageSigning(true, sk))
	require.NoError(t, err)
	psB, err := NewFloodSub(hb)
	require.NoError(t, err)

	sub := psB.Join("signed").Subscribe()
	require.Eventually(t, func() bool {
		psA.mu.Lock()
		defer psA.mu.Unlock()
		return len(psA.peerTopics["signed"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, psA.Join("signed").Publish(ctx, []byte("trust me"), false))

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, msg.Signature)
	require.NotEmpty(t, msg.Key)
}

func TestGossipSubGraftsMeshOnJoin(t *testing.T) {
	ha, hb := dialHosts(t)

	psA, err := NewGossipSub(ha)
	require.NoError(t, err)
	psB, err := NewGossipSub(hb)
	require.NoError(t, err)

	subB := psB.Join("mesh-topic").Subscribe()
	_ = subB

	require.Eventually(t, func() bool {
		psA.mu.Lock()
		defer psA.mu.Unlock()
		return len(psA.peerTopics["mesh-topic"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	psA.Join("mesh-topic")
	gr, ok := psA.rt.(*gossipSubRouter)
	require.True(t, ok)
	gr.join("mesh-topic")

	require.Eventually(t, func() bool {
		gr.mu.Lock()
		defer gr.mu.Unlock()
		_, meshed := gr.mesh["mesh-topic"][hb.ID()]
		return meshed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGossipSubDeliversWithinMesh(t *testing.T) {
	ha, hb := dialHosts(t)

	psA, err := NewGossipSub(ha)
	require.NoError(t, err)
	psB, err := NewGossipSub(hb)
	require.NoError(t, err)

	subB := psB.Join("gossip").Subscribe()
	require.Eventually(t, func() bool {
		psA.mu.Lock()
		defer psA.mu.Unlock()
		return len(psA.peerTopics["gossip"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	gr := psA.rt.(*gossipSubRouter)
	gr.join("gossip")
	require.Eventually(t, func() bool {
		gr.mu.Lock()
		defer gr.mu.Unlock()
		_, meshed := gr.mesh["gossip"][hb.ID()]
		return meshed
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, psA.Join("gossip").Publish(ctx, []byte("meshed"), false))

	msg, err := subB.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("meshed"), msg.Data)
}

func TestPerPeerFingerprintDedupSuppressesResend(t *testing.T) {
	sk, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	pub := sk.GetPublic()
	_ = pub

	fs := newFingerprintSet(4)
	require.False(t, fs.Has([]byte("a")))
	fs.Add([]byte("a"))
	require.True(t, fs.Has([]byte("a")))

	for i := 0; i < 10; i++ {
		fs.Add([]byte{byte(i)})
	}
	require.False(t, fs.Has([]byte("a")))
}

func TestMessageCacheExpiresEntries(t *testing.T) {
	c := newMessageCache(20 * time.Millisecond)
	defer c.Close()

	require.True(t, c.Add("m1"))
	require.False(t, c.Add("m1"))
	require.True(t, c.Has("m1"))

	c.sweep(time.Now().Add(time.Hour))
	require.False(t, c.Has("m1"))
}
