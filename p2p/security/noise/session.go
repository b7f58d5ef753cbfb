package noise

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/TheNoobiCat/go-libp2p-core/core/crypto"
	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
)

// secureSession is a Noise XX session wrapping one insecure net.Conn. It
// implements sec.SecureConn once the handshake completes.
type secureSession struct {
	initiator   bool
	checkPeerID bool

	localID   peer.ID
	localKey  crypto.PrivKey
	remoteID  peer.ID
	remoteKey crypto.PubKey

	readLock  sync.Mutex
	writeLock sync.Mutex

	insecureConn   net.Conn
	insecureReader *bufio.Reader // to cushion io read syscalls

	qseek int     // queued bytes seek value.
	qbuf  []byte  // queued bytes buffer.
	rlen  [2]byte // work buffer to read in the incoming message length.

	enc      *noise.CipherState
	dec      *noise.CipherState
	encNonce uint64 // frames encrypted so far, tracked locally: flynn/noise keeps the nonce unexported
	decNonce uint64

	// noise prologue
	prologue []byte

	lastActivity time.Time
	activityMu   sync.Mutex
}

// newSecureSession creates a Noise session over the given insecure net.Conn
// using the local identity keypair, and blocks until the handshake
// completes or fails per spec.md §4.1's 60s deadline.
func newSecureSession(ctx context.Context, localID peer.ID, localKey crypto.PrivKey, insecure net.Conn, remote peer.ID, prologue []byte, initiator, checkPeerID bool) (*secureSession, error) {
	s := &secureSession{
		insecureConn:   insecure,
		insecureReader: bufio.NewReader(insecure),
		initiator:      initiator,
		localID:        localID,
		localKey:       localKey,
		remoteID:       remote,
		prologue:       prologue,
		checkPeerID:    checkPeerID,
		lastActivity:   time.Now(),
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, HandshakeTimeout)
		defer cancel()
	}

	respCh := make(chan error, 1)
	go func() {
		respCh <- s.runHandshake(ctx)
	}()

	select {
	case err := <-respCh:
		if err != nil {
			_ = s.insecureConn.Close()
			return nil, err
		}
		return s, nil

	case <-ctx.Done():
		// Close the underlying connection and wait for the handshake
		// goroutine to observe the failure so it doesn't leak.
		_ = s.insecureConn.Close()
		<-respCh
		return nil, ctx.Err()
	}
}

func (s *secureSession) touch() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

func (s *secureSession) LastActivity() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivity
}

func (s *secureSession) LocalAddr() net.Addr { return s.insecureConn.LocalAddr() }
func (s *secureSession) LocalPeer() peer.ID  { return s.localID }

func (s *secureSession) LocalPublicKey() crypto.PubKey {
	return s.localKey.GetPublic()
}

func (s *secureSession) RemoteAddr() net.Addr          { return s.insecureConn.RemoteAddr() }
func (s *secureSession) RemotePeer() peer.ID           { return s.remoteID }
func (s *secureSession) RemotePublicKey() crypto.PubKey { return s.remoteKey }

func (s *secureSession) SetDeadline(t time.Time) error      { return s.insecureConn.SetDeadline(t) }
func (s *secureSession) SetReadDeadline(t time.Time) error  { return s.insecureConn.SetReadDeadline(t) }
func (s *secureSession) SetWriteDeadline(t time.Time) error { return s.insecureConn.SetWriteDeadline(t) }

func (s *secureSession) Close() error {
	return s.insecureConn.Close()
}
