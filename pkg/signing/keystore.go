package signing

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/atomicfile"
)

// Key file names under <log root>/keys. Contents are url-safe base64 of the
// raw Ed25519 bytes (32-byte seed, 32-byte public key).
const (
	PrivateKeyFile = "trustlog_ed25519_private.key"
	PublicKeyFile  = "trustlog_ed25519_public.key"
)

// LoadOrCreate returns the gateway signing key from keyDir, generating and
// persisting a new keypair on first use. The private key file is written with
// mode 0600; the directory is created with 0700.
func LoadOrCreate(keyDir string) (*Ed25519Signer, error) {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("signing: ensure key dir: %w", err)
	}

	privPath := filepath.Join(keyDir, PrivateKeyFile)
	pubPath := filepath.Join(keyDir, PublicKeyFile)

	raw, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		seed, err := decodeKeyFile(raw)
		if err != nil {
			return nil, fmt.Errorf("signing: private key file %s: %w", privPath, err)
		}
		signer, err := NewEd25519SignerFromSeed(seed, keyIDFor(pubPath))
		if err != nil {
			return nil, fmt.Errorf("signing: private key file %s: %w", privPath, err)
		}
		// Heal a missing public key file; never overwrite an existing one.
		if _, statErr := os.Stat(pubPath); os.IsNotExist(statErr) {
			if err := writeKeyFile(pubPath, signer.PublicKeyBytes(), 0o644); err != nil {
				return nil, err
			}
		}
		return signer, nil

	case os.IsNotExist(err):
		signer, err := NewEd25519Signer(keyIDFor(pubPath))
		if err != nil {
			return nil, fmt.Errorf("signing: generate keypair: %w", err)
		}
		if err := writeKeyFile(privPath, signer.Seed(), 0o600); err != nil {
			return nil, err
		}
		if err := writeKeyFile(pubPath, signer.PublicKeyBytes(), 0o644); err != nil {
			return nil, err
		}
		return signer, nil

	default:
		return nil, fmt.Errorf("signing: read private key: %w", err)
	}
}

// LoadPublicKey reads a url-safe base64 public key file.
func LoadPublicKey(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("signing: read public key: %w", err)
	}
	key, err := decodeKeyFile(raw)
	if err != nil {
		return "", fmt.Errorf("signing: public key file %s: %w", path, err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

func writeKeyFile(path string, key []byte, perm os.FileMode) error {
	encoded := base64.URLEncoding.EncodeToString(key) + "\n"
	if err := atomicfile.WriteFile(path, []byte(encoded), perm); err != nil {
		return fmt.Errorf("signing: write key file %s: %w", path, err)
	}
	return nil
}

func decodeKeyFile(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	key, err := base64.URLEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid url-safe base64: %w", err)
	}
	return key, nil
}

func keyIDFor(pubPath string) string {
	return filepath.Base(filepath.Dir(pubPath)) + "/trustlog"
}
