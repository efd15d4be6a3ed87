// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"errors"
	"fmt"
)

// ErrNoPermission reports that WithAccess was called for a path with
// no persisted grant. Callers turn this into a "please re-select the
// location" prompt rather than a raw failure.
var ErrNoPermission = errors.New("permission: no persisted permission for path")

// PersistError reports a storage-layer failure after the user already
// granted consent. Always surfaced: the grant the user just made
// would otherwise be silently lost.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("permission: persisting grant for %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// RecoveryError reports an unexpected underlying failure during
// recovery, after fail-safe cleanup of the record has been attempted.
type RecoveryError struct {
	Path string
	Err  error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("permission: recovering grant for %s: %v", e.Path, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// RevocationError reports that the store rejected deleting a record.
// Absence of the record is success, never this error.
type RevocationError struct {
	Path string
	Err  error
}

func (e *RevocationError) Error() string {
	return fmt.Sprintf("permission: revoking grant for %s: %v", e.Path, e.Err)
}

func (e *RevocationError) Unwrap() error { return e.Err }
