package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
)

// Admission headers. All four are required on authenticated endpoints.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// nonceCap bounds the in-memory nonce map. Oldest entries are evicted
// first once the cap is reached, which can only widen the replay window
// for nonces older than the eviction horizon - never narrow it for fresh
// ones.
const nonceCap = 100_000

// NonceStore remembers nonces for the TTL. Remember reports true when the
// nonce was fresh and is now burned, false on replay.
type NonceStore interface {
	Remember(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// RateLimiter admits or rejects one request for a key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// memoryNonceStore is the single-process nonce map: TTL entries with
// oldest-first eviction at the cap.
type memoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time // nonce -> expiry
	order []string             // insertion order
	max   int
	clock func() time.Time
}

func newMemoryNonceStore(max int, clock func() time.Time) *memoryNonceStore {
	if max <= 0 {
		max = nonceCap
	}
	if clock == nil {
		clock = time.Now
	}
	return &memoryNonceStore{
		seen:  make(map[string]time.Time),
		max:   max,
		clock: clock,
	}
}

func (s *memoryNonceStore) Remember(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.compactLocked(now)

	if expiry, ok := s.seen[nonce]; ok && now.Before(expiry) {
		return false, nil
	}
	if len(s.seen) >= s.max {
		s.evictOldestLocked()
	}
	s.seen[nonce] = now.Add(ttl)
	s.order = append(s.order, nonce)
	return true, nil
}

// compactLocked drops expired entries from the head of the insertion order.
// TTLs are uniform, so expiry order matches insertion order.
func (s *memoryNonceStore) compactLocked(now time.Time) {
	for len(s.order) > 0 {
		head := s.order[0]
		expiry, ok := s.seen[head]
		if ok && now.Before(expiry) {
			break
		}
		delete(s.seen, head)
		s.order = s.order[1:]
	}
}

func (s *memoryNonceStore) evictOldestLocked() {
	if len(s.order) == 0 {
		return
	}
	delete(s.seen, s.order[0])
	s.order = s.order[1:]
}

// memoryRateLimiter keeps one token bucket per key, with stale buckets
// swept in the background so long-lived processes do not accumulate them.
type memoryRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newMemoryRateLimiter(perMinute int) *memoryRateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	l := &memoryRateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
	go l.sweep()
	return l
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow(), nil
}

func (l *memoryRateLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for key, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, key)
			}
		}
		l.mu.Unlock()
	}
}

// Admission enforces the C1 contract on authenticated routes: API key in
// constant time, per-key rate limit, timestamp skew, body cap, HMAC
// signature over "ts\nnonce\nbody", and nonce freshness. The nonce is
// burned only after the signature verifies, so garbage requests cannot
// poison a client's nonces.
type Admission struct {
	cfg     *config.Config
	nonces  NonceStore
	limiter RateLimiter
	logger  *slog.Logger
	clock   func() time.Time
}

// AdmissionOption configures an Admission.
type AdmissionOption func(*Admission)

// WithNonceStore replaces the nonce substrate.
func WithNonceStore(s NonceStore) AdmissionOption {
	return func(a *Admission) { a.nonces = s }
}

// WithRateLimiter replaces the rate-limit substrate.
func WithRateLimiter(l RateLimiter) AdmissionOption {
	return func(a *Admission) { a.limiter = l }
}

// WithAdmissionClock overrides the clock for deterministic testing.
func WithAdmissionClock(now func() time.Time) AdmissionOption {
	return func(a *Admission) { a.clock = now }
}

// NewAdmission builds the middleware. With VERITAS_REDIS_ADDR set, nonce
// and rate state move to Redis so replicas share them; otherwise
// in-process substrates apply.
func NewAdmission(cfg *config.Config, logger *slog.Logger, opts ...AdmissionOption) *Admission {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Admission{
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
	if cfg.RedisAddr != "" {
		client := newRedisClient(cfg.RedisAddr)
		a.nonces = newRedisNonceStore(client)
		a.limiter = newRedisRateLimiter(client, cfg.RateLimitPerMinute)
	} else {
		a.nonces = newMemoryNonceStore(nonceCap, nil)
		a.limiter = newMemoryRateLimiter(cfg.RateLimitPerMinute)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Wrap applies the admission checks before next. On success the verified
// raw body is restored on the request for the handler to decode.
func (a *Admission) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		if !constantTimeEqual(key, a.cfg.APIKey) {
			a.deny(w, r, http.StatusUnauthorized, "authentication failed", "api_key")
			return
		}

		allowed, err := a.limiter.Allow(r.Context(), key)
		if err != nil {
			// Rate limiting fails open: losing the limiter must not
			// take admission down with it.
			a.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
			allowed = true
		}
		if !allowed {
			WriteTooManyRequests(w, 1)
			return
		}

		ts := r.Header.Get(HeaderTimestamp)
		if ts == "" {
			a.deny(w, r, http.StatusBadRequest, "missing timestamp", "timestamp")
			return
		}
		sent, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			a.deny(w, r, http.StatusBadRequest, "malformed timestamp", "timestamp")
			return
		}
		if math.Abs(float64(a.clock().Unix())-sent) > a.cfg.TimestampSkew.Seconds() {
			a.deny(w, r, http.StatusUnauthorized, "timestamp outside acceptance window", "timestamp")
			return
		}

		nonce := r.Header.Get(HeaderNonce)
		if nonce == "" {
			a.deny(w, r, http.StatusBadRequest, "missing nonce", "nonce")
			return
		}
		sig := r.Header.Get(HeaderSignature)
		if sig == "" {
			a.deny(w, r, http.StatusBadRequest, "missing signature", "signature")
			return
		}

		// Signed bodies must declare their length; chunked and
		// unknown-length requests are not admitted.
		if r.ContentLength < 0 {
			a.deny(w, r, http.StatusBadRequest, "content length required", "body_size")
			return
		}
		if r.ContentLength > a.cfg.MaxBodyBytes {
			a.deny(w, r, http.StatusRequestEntityTooLarge, "request body too large", "body_size")
			return
		}
		body, err := readBody(w, r, a.cfg.MaxBodyBytes)
		if err != nil {
			if _, tooLarge := err.(*http.MaxBytesError); tooLarge {
				a.deny(w, r, http.StatusRequestEntityTooLarge, "request body too large", "body_size")
				return
			}
			a.deny(w, r, http.StatusBadRequest, "unreadable request body", "body")
			return
		}

		if !a.verifySignature(ts, nonce, body, sig) {
			a.deny(w, r, http.StatusUnauthorized, "signature verification failed", "signature")
			return
		}

		fresh, err := a.nonces.Remember(r.Context(), nonce, a.cfg.NonceTTL)
		if err != nil {
			// Nonce state fails closed: without replay protection the
			// request cannot be admitted.
			a.logger.Error("nonce store unavailable", slog.String("error", err.Error()))
			a.deny(w, r, http.StatusUnauthorized, "replay protection unavailable", "nonce")
			return
		}
		if !fresh {
			a.deny(w, r, http.StatusUnauthorized, "nonce already used", "nonce")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r)
	})
}

// verifySignature checks hex(HMAC-SHA256(secret, "ts\nnonce\nbody")).
func (a *Admission) verifySignature(ts, nonce string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

func (a *Admission) deny(w http.ResponseWriter, r *http.Request, status int, detail, check string) {
	a.logger.Warn("admission denied",
		slog.String("path", r.URL.Path),
		slog.String("check", check),
		slog.Int("status", status))
	WriteAdmission(w, status, detail)
}

// readBody drains the capped request body.
func readBody(w http.ResponseWriter, r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, max)
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}

// constantTimeEqual compares secrets without leaking length through the
// comparison by hashing both sides first.
func constantTimeEqual(a, b string) bool {
	if b == "" {
		return false
	}
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}
