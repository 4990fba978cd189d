package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20"
)

// Stream is the deterministic random stream behind stage jitter and
// per-attempt sampling seeds. It is keyed by the request seed, and every
// draw advances a ChaCha20 keystream in a fixed order, so re-invoking the
// pipeline with the same seed observes the identical schedule.
type Stream struct {
	mu     sync.Mutex
	cipher *chacha20.Cipher
}

// NewStream derives a keystream from the seed and a domain label. Distinct
// labels over the same seed yield independent streams.
func NewStream(seed int64, label string) *Stream {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	key := sha256.Sum256(append(buf[:], []byte("veritas:"+label)...))
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		// Key and nonce sizes are fixed above; the cipher cannot reject them.
		panic(err)
	}
	return &Stream{cipher: cipher}
}

// Uint64 returns the next eight keystream bytes as an unsigned integer.
func (s *Stream) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf [8]byte
	s.cipher.XORKeyStream(buf[:], buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

// Int63 returns a non-negative int64, used as the sampling seed for retry
// attempts so a re-entered stage does not replay the rejected completion.
func (s *Stream) Int63() int64 {
	return int64(s.Uint64() >> 1)
}

// Float64 returns a value in [0, 1).
func (s *Stream) Float64() float64 {
	return float64(s.Uint64()>>11) / (1 << 53)
}

// Jitter returns a duration in [base/2, base*3/2). A zero or negative base
// yields zero.
func (s *Stream) Jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(float64(base) * (0.5 + s.Float64()))
}
