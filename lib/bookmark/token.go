// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package bookmark

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/mpy-dev-ml/rbum/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// Scope declares the access a token grants on its target.
type Scope uint8

const (
	// ScopeReadOnly grants read access to the target.
	ScopeReadOnly Scope = iota + 1
	// ScopeReadWrite grants read and write access to the target.
	ScopeReadWrite
)

func (s Scope) String() string {
	switch s {
	case ScopeReadOnly:
		return "read-only"
	case ScopeReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// Token is an opaque access token. Callers persist, transport, and
// compare token bytes but never interpret them; only this package
// reads the contents.
type Token struct {
	raw []byte
}

// TokenFromBytes wraps previously persisted token bytes. No
// validation happens here; an invalid token fails at Resolve.
func TokenFromBytes(raw []byte) Token {
	return Token{raw: append([]byte(nil), raw...)}
}

// Bytes returns the raw token for persistence or transport. The
// returned slice is a copy.
func (t Token) Bytes() []byte {
	return append([]byte(nil), t.raw...)
}

// IsZero reports whether the token is empty.
func (t Token) IsZero() bool { return len(t.raw) == 0 }

// Equal reports whether two tokens carry identical bytes.
func (t Token) Equal(other Token) bool { return bytes.Equal(t.raw, other.raw) }

// payload is the CBOR-encoded content of a token. Integer keys keep
// tokens compact; the field numbers are wire format and never reused.
type payload struct {
	// Path is the canonical absolute path the token grants access to.
	Path string `cbor:"1,keyasint"`

	// Scope is the declared access level.
	Scope Scope `cbor:"2,keyasint"`

	// Device and Inode are the target's file identity at mint time.
	// Resolution compares them against the live target to detect a
	// replaced or restored file behind an unchanged path.
	Device uint64 `cbor:"3,keyasint"`
	Inode  uint64 `cbor:"4,keyasint"`

	// MintedAt is the Unix timestamp (seconds) of minting.
	MintedAt int64 `cbor:"5,keyasint"`

	// ID uniquely identifies this token for logging and revocation.
	// Random hex; carries no information about the target.
	ID string `cbor:"6,keyasint"`
}

// mintToken signs a payload into wire-format token bytes: CBOR
// payload followed by the 64-byte signature.
func mintToken(privateKey ed25519.PrivateKey, content *payload) (Token, error) {
	encoded, err := codec.Marshal(content)
	if err != nil {
		return Token{}, fmt.Errorf("encoding token payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, encoded)

	raw := make([]byte, len(encoded)+signatureSize)
	copy(raw, encoded)
	copy(raw[len(encoded):], signature)
	return Token{raw: raw}, nil
}

// openToken verifies the signature and decodes the payload.
func openToken(publicKey ed25519.PublicKey, token Token) (*payload, error) {
	if len(token.raw) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	splitPoint := len(token.raw) - signatureSize
	encoded := token.raw[:splitPoint]
	signature := token.raw[splitPoint:]

	if !ed25519.Verify(publicKey, encoded, signature) {
		return nil, ErrInvalidSignature
	}

	var content payload
	if err := codec.Unmarshal(encoded, &content); err != nil {
		return nil, fmt.Errorf("decoding token payload: %w", err)
	}
	return &content, nil
}

// newTokenID returns a random 128-bit hex token identifier.
func newTokenID() (string, error) {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err != nil {
		return "", fmt.Errorf("generating token ID: %w", err)
	}
	return hex.EncodeToString(buffer[:]), nil
}
