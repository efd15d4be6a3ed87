// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package bookmark

import (
	"errors"
	"fmt"
)

// Errors returned by token operations.
var (
	// ErrOperationTimeout reports that an operation's underlying step
	// did not complete within the manager's operation timeout. The
	// outcome underneath is indeterminate: the abandoned step is not
	// rolled back, so a timed-out Create may still have persisted a
	// token. Callers that need certainty follow up with a Resolve or
	// a cache check once the store is reachable again.
	ErrOperationTimeout = errors.New("bookmark: operation timed out")

	// ErrTokenTooShort reports token bytes shorter than the
	// fixed-size signature, which cannot be a valid token.
	ErrTokenTooShort = errors.New("bookmark: token too short for signature")

	// ErrInvalidSignature reports a token whose Ed25519 signature
	// does not verify. The token was not minted by this store's
	// signing key, or was corrupted in storage.
	ErrInvalidSignature = errors.New("bookmark: invalid token signature")

	// ErrRecordMissing reports a verifiable token whose path has no
	// persisted record. The grant was revoked or invalidated after the
	// token was minted; the token is no longer honored.
	ErrRecordMissing = errors.New("bookmark: no persisted record for token")
)

// CreationError reports that minting a token for a path was refused.
type CreationError struct {
	Path string
	Err  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("bookmark: creating token for %s: %v", e.Path, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// ResolutionError reports that a token could not be resolved to a
// live, access-enabled target.
type ResolutionError struct {
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("bookmark: resolving token: %v", e.Err)
	}
	return fmt.Sprintf("bookmark: resolving token for %s: %v", e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// RefreshError reports that re-minting a replacement token failed.
type RefreshError struct {
	Path string
	Err  error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("bookmark: refreshing token for %s: %v", e.Path, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
