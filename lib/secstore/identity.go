// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package secstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/mpy-dev-ml/rbum/lib/secret"
)

// Identity is the age X25519 keypair a FileStore encrypts entries
// with. The private key lives in an mmap-backed secret buffer (locked
// against swap, excluded from core dumps, zeroed on Close); the
// recipient string is safe to log or publish.
//
// The caller must Close the identity when the store is no longer
// needed.
type Identity struct {
	private   *secret.Buffer
	recipient string
}

// Recipient returns the public half of the identity in age1... form.
func (i *Identity) Recipient() string { return i.recipient }

// Close releases the private key memory. Idempotent.
func (i *Identity) Close() error {
	if i.private != nil {
		return i.private.Close()
	}
	return nil
}

// x25519 parses the protected private key into an age identity. The
// parsed identity is heap-allocated and short-lived; the mmap buffer
// remains the durable copy.
func (i *Identity) x25519() (*age.X25519Identity, error) {
	parsed, err := age.ParseX25519Identity(i.private.String())
	if err != nil {
		return nil, fmt.Errorf("parsing store identity: %w", err)
	}
	return parsed, nil
}

// GenerateIdentity creates a fresh age X25519 identity with the
// private key moved into protected memory.
func GenerateIdentity() (*Identity, error) {
	generated, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating store identity: %w", err)
	}

	privateKeyBytes := []byte(generated.String())
	private, err := secret.NewFromBytes(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("protecting store identity: %w", err)
	}

	return &Identity{
		private:   private,
		recipient: generated.Recipient().String(),
	}, nil
}

// LoadOrCreateIdentity reads the store identity from path, creating
// and persisting a new one (mode 0600) when the file does not exist.
// The identity file holds the AGE-SECRET-KEY-1... line; it is the one
// secret the store cannot encrypt, so the path should live in a
// directory only the store's owner can read.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return createIdentityFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading store identity %s: %w", path, err)
	}

	keyString := strings.TrimSpace(string(raw))
	parsed, err := age.ParseX25519Identity(keyString)
	if err != nil {
		return nil, fmt.Errorf("parsing store identity %s: %w", path, err)
	}

	private, err := secret.NewFromBytes([]byte(keyString))
	if err != nil {
		return nil, fmt.Errorf("protecting store identity: %w", err)
	}

	return &Identity{
		private:   private,
		recipient: parsed.Recipient().String(),
	}, nil
}

func createIdentityFile(path string) (*Identity, error) {
	identity, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		identity.Close()
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity.private.String()+"\n"), 0600); err != nil {
		identity.Close()
		return nil, fmt.Errorf("writing store identity %s: %w", path, err)
	}
	return identity, nil
}
