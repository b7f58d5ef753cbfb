package swarm

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	coretransport "github.com/TheNoobiCat/go-libp2p-core/core/transport"
)

var log = logging.Logger("swarm")

const defaultConnectTimeout = 5 * time.Second
const keepAlivePeriod = 30 * time.Second

type canKeepAlive interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(time.Duration) error
}

var _ canKeepAlive = &net.TCPConn{}

func tryKeepAlive(conn net.Conn, keepAlive bool) {
	keepAliveConn, ok := conn.(canKeepAlive)
	if !ok {
		return
	}
	if err := keepAliveConn.SetKeepAlive(keepAlive); err != nil {
		if errors.Is(err, os.ErrInvalid) || errors.Is(err, syscall.EINVAL) {
			log.Debugw("failed to enable TCP keepalive", "error", err)
		} else {
			log.Errorw("failed to enable TCP keepalive", "error", err)
		}
		return
	}
	if runtime.GOOS != "openbsd" {
		if err := keepAliveConn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
			log.Errorw("failed to set keepalive period", "error", err)
		}
	}
}

// tryLinger sets SO_LINGER if the connection supports it; 0 forces a
// reset instead of a lingering FIN close so a dial can reuse the 5-tuple
// immediately.
func tryLinger(conn net.Conn, sec int) {
	type canLinger interface {
		SetLinger(int) error
	}
	if l, ok := conn.(canLinger); ok {
		_ = l.SetLinger(sec)
	}
}

// TCPTransport is the minimal TCP transport this module ships, per
// spec.md §6: addresses are plain "host:port" strings, with no
// multiaddr resolution, resource manager, or port reuse.
type TCPTransport struct {
	connectTimeout time.Duration
}

var _ coretransport.Transport = (*TCPTransport)(nil)

// NewTCPTransport builds a TCPTransport with spec.md's external-transport
// contract: Dial/Listen over plain "host:port" addresses.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{connectTimeout: defaultConnectTimeout}
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialCtx := ctx
	if t.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tryLinger(conn, 0)
	tryKeepAlive(conn, true)
	return conn, nil
}

func (t *TCPTransport) Listen(addr string) (coretransport.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept() (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, coretransport.ErrListenerClosed
		}
		return nil, err
	}
	tryKeepAlive(conn, true)
	return conn, nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }
func (l *tcpListener) Addr() string { return l.ln.Addr().String() }
