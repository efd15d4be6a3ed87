// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package secstore

import (
	"context"
	"fmt"
)

// Store is the opaque key-to-blob contract the permission core
// persists bookmark tokens through. All operations are scoped by an
// access group; cooperating processes configured for the same group
// see the same entries.
//
// Implementations must never log blob contents.
type Store interface {
	// Save persists blob under key in the given group, replacing any
	// existing entry for that key.
	Save(ctx context.Context, key, group string, blob []byte) error

	// Retrieve returns the blob stored under key. An absent key is
	// (nil, false, nil), not an error.
	Retrieve(ctx context.Context, key, group string) ([]byte, bool, error)

	// Delete removes the entry for key. Deleting an absent key is a
	// success; only mechanism failures return an error.
	Delete(ctx context.Context, key, group string) error

	// List returns the keys of every entry in the group, in
	// unspecified order. An unconfigured group lists as empty.
	List(ctx context.Context, group string) ([]string, error)

	// ConfigureSharing prepares the group for cross-process access.
	// Idempotent; callers invoke it once at startup. A failure here
	// is non-fatal for group members that do not rely on the sharing
	// configuration, so callers log it rather than abort.
	ConfigureSharing(group string) error
}

// StoreError reports a failure of the underlying store mechanism. It
// carries the operation and scope for logging; it never carries blob
// contents.
type StoreError struct {
	Op    string
	Key   string
	Group string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("secstore: %s in group %q: %v", e.Op, e.Group, e.Err)
	}
	return fmt.Sprintf("secstore: %s of %q in group %q: %v", e.Op, e.Key, e.Group, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
