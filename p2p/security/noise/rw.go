package noise

import (
	"encoding/binary"
	"fmt"
	"io"

	pool "github.com/libp2p/go-buffer-pool"
)

// maxNonce is the largest nonce flynn/noise will hand out per direction
// before the cipher state becomes unsafe to reuse; we track it ourselves
// since CipherState keeps its counter unexported.
const maxNonce = ^uint64(0) - 1

// MaxPlaintextLength is the largest plaintext chunk written to a single
// record-layer frame. Anything larger is split across multiple frames so
// the ciphertext (plaintext + 16-byte Poly1305 tag) never exceeds the
// 2-byte length prefix's 65535 ceiling, per spec.md §4.2.
const MaxPlaintextLength = 65519

// maxCiphertextLength is MaxPlaintextLength plus the AEAD tag.
const maxCiphertextLength = MaxPlaintextLength + 16

// Read implements net.Conn. It decrypts at most one record-layer frame per
// call into p, buffering any surplus plaintext for the next call.
func (s *secureSession) Read(p []byte) (int, error) {
	s.readLock.Lock()
	defer s.readLock.Unlock()

	if s.qseek < len(s.qbuf) {
		n := copy(p, s.qbuf[s.qseek:])
		s.qseek += n
		s.touch()
		return n, nil
	}

	// A frame may carry a zero-length plaintext (e.g. an empty Write on the
	// other side). Per spec.md §4.1, these are skipped silently rather than
	// surfaced as a (0, nil) read, which would violate io.Reader and could
	// busy-loop an io.ReadFull caller.
	var plaintext []byte
	for {
		var err error
		plaintext, err = s.readFrame()
		if err != nil {
			return 0, err
		}
		if len(plaintext) > 0 {
			break
		}
	}
	s.touch()

	n := copy(p, plaintext)
	if n < len(plaintext) {
		// Stash the remainder; qbuf is reused across calls so copy it out of
		// the pooled buffer before returning it.
		if cap(s.qbuf) < len(plaintext) {
			s.qbuf = make([]byte, len(plaintext))
		}
		s.qbuf = s.qbuf[:len(plaintext)]
		copy(s.qbuf, plaintext)
		s.qseek = n
	} else {
		s.qbuf = s.qbuf[:0]
		s.qseek = 0
	}
	return n, nil
}

// readFrame reads one length-prefixed ciphertext frame and decrypts it.
func (s *secureSession) readFrame() ([]byte, error) {
	if _, err := io.ReadFull(s.insecureReader, s.rlen[:]); err != nil {
		return nil, err
	}
	ciphertextLen := int(binary.BigEndian.Uint16(s.rlen[:]))
	if ciphertextLen > maxCiphertextLength {
		return nil, fmt.Errorf("noise: record-layer frame too large: %d", ciphertextLen)
	}

	ciphertext := pool.Get(ciphertextLen)
	defer pool.Put(ciphertext)
	if _, err := io.ReadFull(s.insecureReader, ciphertext); err != nil {
		return nil, err
	}

	if s.decNonce >= maxNonce {
		return nil, ErrNonceExhausted
	}
	plaintext, err := s.dec.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecrypt, err)
	}
	s.decNonce++
	return plaintext, nil
}

// Write implements net.Conn. It splits p into MaxPlaintextLength chunks,
// encrypting and framing each independently.
func (s *secureSession) Write(p []byte) (int, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	total := 0
	for len(p) > 0 {
		end := MaxPlaintextLength
		if end > len(p) {
			end = len(p)
		}
		chunk := p[:end]
		p = p[end:]

		if err := s.writeFrame(chunk); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	s.touch()
	return total, nil
}

func (s *secureSession) writeFrame(plaintext []byte) error {
	if s.encNonce >= maxNonce {
		return ErrNonceExhausted
	}

	buf := pool.Get(LengthPrefixLength + len(plaintext) + 16)
	defer pool.Put(buf)

	ciphertext := s.enc.Encrypt(buf[:LengthPrefixLength], nil, plaintext)
	s.encNonce++
	binary.BigEndian.PutUint16(ciphertext, uint16(len(ciphertext)-LengthPrefixLength))

	_, err := s.insecureConn.Write(ciphertext)
	return err
}
