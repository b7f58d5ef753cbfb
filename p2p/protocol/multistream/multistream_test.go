package multistream

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

func noopHandler(id protocol.ID, rwc io.ReadWriteCloser) error { return nil }

func TestNegotiateFirstCandidateAccepted(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ms := NewMultistream()
	ms.AddHandler("/noise", noopHandler)

	done := make(chan error, 1)
	go func() { done <- ms.Handle(b) }()

	got, err := Negotiate(a, "/noise")
	require.NoError(t, err)
	require.Equal(t, protocol.ID("/noise"), got)
	require.NoError(t, <-done)
}

func TestNegotiateSkipsUnavailableCandidates(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ms := NewMultistream()
	ms.AddHandler("/mplex/6.7.0", noopHandler)

	done := make(chan error, 1)
	go func() { done <- ms.Handle(b) }()

	got, err := Negotiate(a, "/yamux/1.0.0", "/mplex/6.7.0")
	require.NoError(t, err)
	require.Equal(t, protocol.ID("/mplex/6.7.0"), got)
	require.NoError(t, <-done)
}

func TestNegotiateFailsWhenNothingSupported(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ms := NewMultistream()
	ms.AddHandler("/mplex/6.7.0", noopHandler)

	go ms.Handle(b)

	_, err := Negotiate(a, "/yamux/1.0.0")
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestMatcherPredicateHandler(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ms := NewMultistream()
	ms.AddHandlerWithMatch("/floodsub/", func(id protocol.ID) bool {
		return id.HasPrefix("/floodsub/")
	}, noopHandler)

	done := make(chan error, 1)
	go func() { done <- ms.Handle(b) }()

	got, err := Negotiate(a, "/floodsub/1.0.0")
	require.NoError(t, err)
	require.Equal(t, protocol.ID("/floodsub/1.0.0"), got)
	require.NoError(t, <-done)
}

func TestLsListing(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ms := NewMultistream()
	ms.AddHandler("/noise", noopHandler)
	ms.AddHandler("/mplex/6.7.0", noopHandler)

	errCh := make(chan error, 1)
	go func() { errCh <- ms.Handle(b) }()

	br := newByteReader(a)
	require.NoError(t, writeMsg(a, string(ProtocolID)))
	hdr, err := readMsg(br)
	require.NoError(t, err)
	require.Equal(t, string(ProtocolID), hdr)

	require.NoError(t, writeMsg(a, "ls"))
	listing, err := readMsg(br)
	require.NoError(t, err)
	require.True(t, strings.Contains(listing, "/noise"))
	require.True(t, strings.Contains(listing, "/mplex/6.7.0"))

	require.NoError(t, writeMsg(a, "/noise"))
	reply, err := readMsg(br)
	require.NoError(t, err)
	require.Equal(t, "/noise", reply)

	require.NoError(t, <-errCh)
}

func TestHeaderMismatchIsRejected(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ms := NewMultistream()
	errCh := make(chan error, 1)
	go func() { errCh <- ms.Handle(b) }()

	require.NoError(t, writeMsg(a, "/not-multistream/1.0.0"))

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrUnexpectedResponse) || err != nil)
	case <-time.After(time.Second):
		t.Fatal("responder did not reject bad header in time")
	}
}
