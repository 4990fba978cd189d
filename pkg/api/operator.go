package api

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator token failures, mapped to 401/403 by the handlers.
var (
	ErrNoToken      = errors.New("api: missing bearer token")
	ErrTokenInvalid = errors.New("api: invalid operator token")
	ErrNotOperator  = errors.New("api: token lacks operator scope")
)

const (
	tokenIssuer   = "veritas"
	operatorScope = "operator"
)

// operatorClaims is the review-token payload: registered claims plus the
// scope marker.
type operatorClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// OperatorAuth mints and verifies EdDSA review tokens over the gateway's
// own Ed25519 key, so a deployment needs no extra key material for
// operator auth.
type OperatorAuth struct {
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
	clock func() time.Time
}

// NewOperatorAuth builds the verifier. priv may be nil on verify-only
// instances; Mint then fails.
func NewOperatorAuth(pub ed25519.PublicKey, priv ed25519.PrivateKey) *OperatorAuth {
	return &OperatorAuth{pub: pub, priv: priv, clock: time.Now}
}

// WithTokenClock overrides the clock for deterministic testing.
func (a *OperatorAuth) WithTokenClock(now func() time.Time) *OperatorAuth {
	a.clock = now
	return a
}

// Mint issues an operator token for subject, valid for ttl.
func (a *OperatorAuth) Mint(subject string, ttl time.Duration) (string, error) {
	if len(a.priv) == 0 {
		return "", errors.New("api: no signing key for operator tokens")
	}
	if subject == "" {
		return "", errors.New("api: operator subject is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := a.clock()
	claims := operatorClaims{
		Scope: operatorScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(a.priv)
	if err != nil {
		return "", fmt.Errorf("api: sign operator token: %w", err)
	}
	return signed, nil
}

// Authenticate extracts and verifies the bearer token, returning the
// operator subject.
func (a *OperatorAuth) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoToken
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", ErrNoToken
	}

	claims := &operatorClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return a.pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if claims.Scope != operatorScope {
		return "", ErrNotOperator
	}
	if claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// requireOperator authenticates the request and writes the failure
// response itself. The bool reports whether the handler may proceed.
func (s *Server) requireOperator(w http.ResponseWriter, r *http.Request) (string, bool) {
	subject, err := s.operators.Authenticate(r)
	switch {
	case err == nil:
		return subject, true
	case errors.Is(err, ErrNotOperator):
		WriteError(w, http.StatusForbidden, KindAdmission, "operator scope required")
		return "", false
	default:
		WriteAdmission(w, http.StatusUnauthorized, "operator authentication failed")
		return "", false
	}
}
