// Package cryptokeys derives purpose-bound keys from a single master
// secret using HKDF-SHA256. The audit trail uses a derived key to MAC its
// entries so an attacker who can rewrite the log cannot also forge the
// chain without the master secret.
package cryptokeys

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

var kdfSalt = []byte("carapace-kdf-v1")

// Keyring holds a master secret and derives purpose-specific keys from it.
type Keyring struct {
	master []byte
}

// NewKeyring creates a keyring from the given master secret.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("cryptokeys: master secret too short (%d bytes, want >= 16)", len(master))
	}
	k := make([]byte, len(master))
	copy(k, master)
	return &Keyring{master: k}, nil
}

// NewRandomKeyring creates a keyring from a freshly generated secret.
// Suitable for single-process deployments where the derived keys never
// need to be reproduced after restart.
func NewRandomKeyring() (*Keyring, error) {
	master := make([]byte, keySize)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("cryptokeys: entropy unavailable: %w", err)
	}
	return &Keyring{master: master}, nil
}

// Derive returns a 32-byte key bound to the given purpose. The same
// master secret and purpose always yield the same key.
func (k *Keyring) Derive(purpose string) ([]byte, error) {
	if purpose == "" {
		return nil, fmt.Errorf("cryptokeys: purpose must not be empty")
	}
	r := hkdf.New(sha256.New, k.master, kdfSalt, []byte(purpose))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("cryptokeys: hkdf derivation failed: %w", err)
	}
	return key, nil
}
