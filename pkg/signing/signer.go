// Package signing provides the Ed25519 identity of the gateway: trust-log
// entry signatures, key persistence beside the log, and multi-key
// verification for exported ledgers.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Signer produces detached signatures over payload hashes.
type Signer interface {
	// Sign returns the standard-base64 Ed25519 signature of data.
	Sign(data []byte) (string, error)
	// PublicKey returns the url-safe base64 raw public key.
	PublicKey() string
	PublicKeyBytes() []byte
}

// Ed25519Signer is the concrete gateway signer.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}, nil
}

// NewEd25519SignerFromSeed reconstructs a signer from the 32-byte raw seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}, nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return base64.URLEncoding.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// Seed returns the 32-byte raw private seed for persistence.
func (s *Ed25519Signer) Seed() []byte {
	return s.privKey.Seed()
}

// Verify checks a signature produced by this signer's key.
func (s *Ed25519Signer) Verify(message []byte, signature []byte) bool {
	return ed25519.Verify(s.pubKey, message, signature)
}

// Verify checks a base64 signature against a url-safe base64 public key.
func Verify(pubKeyB64, sigB64 string, data []byte) (bool, error) {
	pubKey, err := DecodePublicKey(pubKeyB64)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size")
	}
	return ed25519.Verify(pubKey, data, sig), nil
}

// DecodePublicKey parses a url-safe base64 raw Ed25519 public key.
func DecodePublicKey(pubKeyB64 string) (ed25519.PublicKey, error) {
	pubKey, err := base64.URLEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid public key base64: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size")
	}
	return ed25519.PublicKey(pubKey), nil
}
