// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package bookmark

import (
	"os"
	"sync"
)

// Handle is a live, access-enabled reference to a resolved token's
// target. The caller must release it on every exit path, either via
// Manager.Release or by running inside permission.Manager.WithAccess,
// which guarantees the release.
type Handle struct {
	path    string
	scope   Scope
	stale   bool
	tokenID string
	file    *os.File

	// recordPath is the canonical path the token was minted for: the
	// grant cache key. It can differ from path when the target moved
	// behind a symlink.
	recordPath string

	manager     *Manager
	releaseOnce sync.Once
}

// Path returns the canonical path of the live target. When the stored
// token was recorded against a different path (for example the path
// has since become a symlink elsewhere), this differs from the path
// the caller asked about; the permission layer treats that as a
// security-relevant mismatch.
func (h *Handle) Path() string { return h.path }

// Scope returns the access level the token grants.
func (h *Handle) Scope() Scope { return h.scope }

// Stale reports whether the token's recorded file identity no longer
// matches the live target. A stale handle is usable for the current
// operation, but the caller must refresh the token before relying on
// it again.
func (h *Handle) Stale() bool { return h.stale }

// File returns the open file for the target, suitable for passing
// across the helper boundary as an already-validated resource. The
// file is owned by the handle and closed on release.
func (h *Handle) File() *os.File { return h.file }
