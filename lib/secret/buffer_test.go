// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("AGE-SECRET-KEY-1EXAMPLE")
	original := append([]byte(nil), source...)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), original) {
		t.Errorf("Bytes() = %q, want %q", buffer.Bytes(), original)
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source[%d] = %#x, want zeroed", index, value)
		}
	}
}

func TestNewFromBytesEmpty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) succeeded, want error")
	}
}

func TestNewInvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	buffer, err := NewFromBytes([]byte("payload"))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}

	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestReadAfterClosePanics(t *testing.T) {
	buffer, err := NewFromBytes([]byte("payload"))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestString(t *testing.T) {
	buffer, err := NewFromBytes([]byte("token-signing-key"))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "token-signing-key" {
		t.Errorf("String() = %q, want %q", got, "token-signing-key")
	}
	if got := buffer.Len(); got != len("token-signing-key") {
		t.Errorf("Len() = %d, want %d", got, len("token-signing-key"))
	}
}
