package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
)

// KeyRing verifies signatures against multiple public keys, so exported
// ledgers remain checkable after a gateway key rotation.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey // keyID -> public key
}

// NewKeyRing creates an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

// AddKey registers a url-safe base64 public key under keyID.
func (k *KeyRing) AddKey(keyID, pubKeyB64 string) error {
	pub, err := DecodePublicKey(pubKeyB64)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pub
	return nil
}

// RevokeKey removes a key by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
}

// Verify checks the base64 signature against every registered key and
// reports the ID of the first key that validates it.
func (k *KeyRing) Verify(message []byte, sigB64 string) (string, bool) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", false
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	// Deterministic order so the reported key ID is stable.
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if ed25519.Verify(k.keys[id], message, sig) {
			return id, true
		}
	}
	return "", false
}

// VerifyKey checks the signature against one specific key.
func (k *KeyRing) VerifyKey(keyID string, message []byte, sigB64 string) (bool, error) {
	k.mu.RLock()
	pub, exists := k.keys[keyID]
	k.mu.RUnlock()
	if !exists {
		return false, fmt.Errorf("unknown key: %s", keyID)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	return ed25519.Verify(pub, message, sig), nil
}

// Len reports the number of registered keys.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}
