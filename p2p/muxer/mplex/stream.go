package mplex

import (
	"fmt"
	"io"
	"sync"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
)

// perChannelBufferLimit bounds how many received-but-undrained bytes a
// channel may hold before the session's single read loop stops draining
// it, per spec.md §5's backpressure rule.
const perChannelBufferLimit = 4 * MaxMessageSize

// Channel is one logical, bidirectional byte stream multiplexed over a
// Session. State machine: New -> Open -> {LocalHalfClosed,
// RemoteHalfClosed} -> Closed; any state may jump to Reset.
type Channel struct {
	session   *Session
	id        uint64
	initiator bool // true if the local side opened this channel
	name      string

	mu          sync.Mutex
	closedLocal bool // write half closed locally (close() or reset())
	eofRemote   bool // remote signaled close or reset: read buffer will receive no more data
	isReset     bool

	buf      [][]byte
	headOff  int
	bufBytes int
	waiters  []chan struct{}
	space    []chan struct{} // woken when buffer space frees up

	idleTimer   *time.Timer
	idleTimeout time.Duration

	readDeadline, writeDeadline pipeDeadline
}

func newChannel(s *Session, id uint64, initiator bool, name string) *Channel {
	ch := &Channel{
		session:      s,
		id:           id,
		initiator:    initiator,
		name:         name,
		idleTimeout:  s.idleTimeout,
		readDeadline: makePipeDeadline(),
		writeDeadline: makePipeDeadline(),
	}
	if ch.idleTimeout > 0 {
		ch.idleTimer = time.AfterFunc(ch.idleTimeout, ch.onIdle)
	}
	return ch
}

func (ch *Channel) touch() {
	if ch.idleTimer != nil {
		ch.idleTimer.Reset(ch.idleTimeout)
	}
}

func (ch *Channel) onIdle() {
	log.Debugw("mplex channel idle timeout, resetting", "id", ch.id)
	ch.Reset()
}

// msgTag/closeTag/resetTag pick the wire tag this channel must use when it is the
// writer, depending on which side opened it, per spec.md §4.2: "a
// receiver that opened channel locally uses MsgOut/CloseOut/ResetOut when
// writing; otherwise the In variants."
func (ch *Channel) msgTag() int {
	if ch.initiator {
		return tagMessageInitiator
	}
	return tagMessageReceiver
}
func (ch *Channel) closeTag() int {
	if ch.initiator {
		return tagCloseInitiator
	}
	return tagCloseReceiver
}
func (ch *Channel) resetTag() int {
	if ch.initiator {
		return tagResetInitiator
	}
	return tagResetReceiver
}

// Read implements io.Reader, draining the channel's buffered bytes and
// blocking (FIFO among concurrent callers) until data, EOF, or reset.
func (ch *Channel) Read(p []byte) (int, error) {
	ch.mu.Lock()
	for {
		if len(ch.buf) > 0 {
			n := ch.drainLocked(p)
			ch.mu.Unlock()
			ch.touch()
			return n, nil
		}
		if ch.isReset {
			ch.mu.Unlock()
			return 0, ErrChannelReset
		}
		if ch.eofRemote {
			ch.mu.Unlock()
			return 0, io.EOF
		}

		wait := make(chan struct{})
		ch.waiters = append(ch.waiters, wait)
		ch.mu.Unlock()

		select {
		case <-wait:
		case <-ch.readDeadline.wait():
			ch.dropWaiter(wait)
			return 0, errTimeout
		}
		ch.mu.Lock()
	}
}

func (ch *Channel) dropWaiter(target chan struct{}) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, w := range ch.waiters {
		if w == target {
			ch.waiters = append(ch.waiters[:i], ch.waiters[i+1:]...)
			break
		}
	}
}

// drainLocked copies from the front of the buffer into p. Caller holds ch.mu.
func (ch *Channel) drainLocked(p []byte) int {
	chunk := ch.buf[0]
	n := copy(p, chunk[ch.headOff:])
	ch.headOff += n
	ch.bufBytes -= n
	if ch.headOff >= len(chunk) {
		pool.Put(chunk)
		ch.buf = ch.buf[1:]
		ch.headOff = 0
	}
	ch.wakeSpace()
	return n
}

func (ch *Channel) wakeFront() {
	if len(ch.waiters) > 0 {
		w := ch.waiters[0]
		ch.waiters = ch.waiters[1:]
		close(w)
	}
}

func (ch *Channel) wakeAllReaders() {
	for _, w := range ch.waiters {
		close(w)
	}
	ch.waiters = nil
}

func (ch *Channel) wakeSpace() {
	if len(ch.space) > 0 {
		w := ch.space[0]
		ch.space = ch.space[1:]
		close(w)
	}
}

// pushData is called from the session's single read loop with a freshly
// decoded message payload. It blocks (applying backpressure to the whole
// session, per spec.md §5) while the channel's buffer is full.
func (ch *Channel) pushData(b []byte) {
	ch.mu.Lock()
	for ch.bufBytes+len(b) > perChannelBufferLimit && !ch.isReset {
		wait := make(chan struct{})
		ch.space = append(ch.space, wait)
		ch.mu.Unlock()
		<-wait
		ch.mu.Lock()
	}
	if ch.isReset {
		ch.mu.Unlock()
		pool.Put(b)
		return
	}
	if len(b) > 0 {
		ch.buf = append(ch.buf, b)
		ch.bufBytes += len(b)
	}
	ch.wakeFront()
	ch.mu.Unlock()
	ch.touch()
}

// remoteClose handles an incoming Close frame: sets eofRemote but keeps
// any buffered data for the reader to drain first.
func (ch *Channel) remoteClose() {
	ch.mu.Lock()
	ch.eofRemote = true
	ch.wakeAllReaders()
	ch.mu.Unlock()
}

// remoteReset handles an incoming Reset frame, or local session teardown:
// discards buffered data immediately and wakes pending readers with a
// reset error.
func (ch *Channel) remoteReset() {
	ch.mu.Lock()
	if ch.isReset {
		ch.mu.Unlock()
		return
	}
	ch.isReset = true
	ch.closedLocal = true
	ch.eofRemote = true
	for _, b := range ch.buf {
		pool.Put(b)
	}
	ch.buf = nil
	ch.bufBytes = 0
	ch.wakeAllReaders()
	for _, w := range ch.space {
		close(w)
	}
	ch.space = nil
	ch.mu.Unlock()
	if ch.idleTimer != nil {
		ch.idleTimer.Stop()
	}
}

// Write implements io.Writer, splitting p into MaxMessageSize frames.
func (ch *Channel) Write(p []byte) (int, error) {
	ch.mu.Lock()
	if ch.closedLocal {
		ch.mu.Unlock()
		return 0, ErrChannelClosed
	}
	ch.mu.Unlock()

	total := 0
	tag := ch.msgTag()
	for len(p) > 0 {
		end := MaxMessageSize
		if end > len(p) {
			end = len(p)
		}
		chunk := p[:end]
		p = p[end:]

		if err := ch.session.writeFrame(header(ch.id, tag), chunk); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	ch.touch()
	return total, nil
}

// Close half-closes the channel for writing, per spec.md §4.2's local
// close() transition.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closedLocal {
		ch.mu.Unlock()
		return nil
	}
	ch.closedLocal = true
	ch.mu.Unlock()

	return ch.session.writeFrame(header(ch.id, ch.closeTag()), nil)
}

// CloseWrite is an alias for Close, matching network.MuxedStream's
// half-close naming.
func (ch *Channel) CloseWrite() error { return ch.Close() }

// CloseRead discards any buffered data and stops delivering further
// reads, without affecting the write half.
func (ch *Channel) CloseRead() error {
	ch.mu.Lock()
	for _, b := range ch.buf {
		pool.Put(b)
	}
	ch.buf = nil
	ch.bufBytes = 0
	ch.eofRemote = true
	ch.wakeAllReaders()
	ch.mu.Unlock()
	return nil
}

// Reset sends a best-effort reset frame and immediately discards buffered
// data and wakes pending readers, per spec.md §4.2's local reset()
// transition.
func (ch *Channel) Reset() error {
	ch.mu.Lock()
	already := ch.isReset
	ch.mu.Unlock()
	if already {
		return nil
	}

	_ = ch.session.writeFrame(header(ch.id, ch.resetTag()), nil)
	ch.remoteReset()
	ch.session.removeChannel(ch)
	return nil
}

func (ch *Channel) SetDeadline(t time.Time) error {
	ch.readDeadline.set(t)
	ch.writeDeadline.set(t)
	return nil
}

func (ch *Channel) SetReadDeadline(t time.Time) error {
	ch.readDeadline.set(t)
	return nil
}

func (ch *Channel) SetWriteDeadline(t time.Time) error {
	ch.writeDeadline.set(t)
	return nil
}

func (ch *Channel) String() string {
	return fmt.Sprintf("<mplex channel %d initiator=%v name=%q>", ch.id, ch.initiator, ch.name)
}
