// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mpy-dev-ml/rbum/lib/bookmark"
	"github.com/mpy-dev-ml/rbum/lib/secstore"
)

// Consent is the external collaborator that obtains the user's
// explicit grant for a path, typically a file-picker or terminal
// prompt. PromptForAccess may block indefinitely on user input; it is
// cancelled through ctx.
type Consent interface {
	PromptForAccess(ctx context.Context, path string) (bool, error)
}

// Options configures a Manager.
type Options struct {
	// Bookmarks mints and resolves tokens. Required.
	Bookmarks *bookmark.Manager

	// Store is the credential store records live in. Required, and
	// must be the same store the bookmark manager persists through.
	Store secstore.Store

	// Group is the access group records are scoped to. Required.
	Group string

	// Consent obtains user grants for RequestAndPersist. Required.
	Consent Consent

	// Logger receives operational logs. Required.
	Logger *slog.Logger
}

// Manager is the permission lifecycle orchestrator and the sole
// writer of persisted permission records.
type Manager struct {
	bookmarks *bookmark.Manager
	store     secstore.Store
	group     string
	consent   Consent
	logger    *slog.Logger
}

// NewManager validates options and creates a Manager.
func NewManager(options Options) (*Manager, error) {
	if options.Bookmarks == nil {
		return nil, fmt.Errorf("permission: bookmark manager is required")
	}
	if options.Store == nil {
		return nil, fmt.Errorf("permission: store is required")
	}
	if options.Group == "" {
		return nil, fmt.Errorf("permission: access group is required")
	}
	if options.Consent == nil {
		return nil, fmt.Errorf("permission: consent collaborator is required")
	}
	if options.Logger == nil {
		return nil, fmt.Errorf("permission: logger is required")
	}
	return &Manager{
		bookmarks: options.Bookmarks,
		store:     options.Store,
		group:     options.Group,
		consent:   options.Consent,
		logger:    options.Logger,
	}, nil
}

// RequestAndPersist prompts the user for access to path and, on
// consent, mints and persists a token at the declared scope. A denied
// consent is (false, nil), a normal negative outcome. Storage-layer
// failures after consent surface as a PersistError.
func (m *Manager) RequestAndPersist(ctx context.Context, path string, scope bookmark.Scope) (bool, error) {
	canonical, err := bookmark.CanonicalPath(path)
	if err != nil {
		return false, &PersistError{Path: path, Err: err}
	}

	granted, err := m.consent.PromptForAccess(ctx, canonical)
	if err != nil {
		return false, fmt.Errorf("permission: prompting for access to %s: %w", canonical, err)
	}
	if !granted {
		m.logger.Info("consent denied", "path", canonical)
		return false, nil
	}

	if _, err := m.bookmarks.Create(ctx, canonical, scope); err != nil {
		if errors.Is(err, bookmark.ErrOperationTimeout) {
			return false, err
		}
		return false, &PersistError{Path: canonical, Err: err}
	}

	m.logger.Info("permission granted", "path", canonical, "scope", scope.String())
	return true, nil
}

// Recover loads the persisted token for path and validates it against
// the live filesystem. An absent record is (false, nil). A token that
// resolves to a different canonical path than it was persisted under,
// or whose target can no longer be accessed, invalidates the record:
// it is deleted and (false, nil) returned. Unexpected store failures
// also delete the record (fail-safe cleanup) and surface as a
// RecoveryError.
//
// A timed-out resolution is the one failure that does not delete: the
// outcome underneath is indeterminate and the record may still be
// perfectly valid.
func (m *Manager) Recover(ctx context.Context, path string) (bool, error) {
	canonical, err := bookmark.CanonicalPath(path)
	if err != nil {
		return false, &RecoveryError{Path: path, Err: err}
	}

	stored, found, err := m.store.Retrieve(ctx, canonical, m.group)
	if err != nil {
		m.invalidate(ctx, canonical, "store failure")
		return false, &RecoveryError{Path: canonical, Err: err}
	}
	if !found {
		return false, nil
	}

	handle, err := m.bookmarks.Resolve(ctx, bookmark.TokenFromBytes(stored))
	if err != nil {
		if errors.Is(err, bookmark.ErrOperationTimeout) {
			return false, &RecoveryError{Path: canonical, Err: err}
		}
		// Unresolvable, access denied, or a token this store never
		// minted: the record is known-bad either way.
		m.invalidate(ctx, canonical, "resolution failure")
		return false, nil
	}
	defer m.bookmarks.Release(handle)

	if handle.Path() != canonical {
		// The token silently points somewhere else, e.g. after a
		// symlink or volume change. Honoring it would authorize
		// access to the wrong resource.
		m.logger.Error("recovered token resolves to a different path, invalidating",
			"requested", canonical, "resolved", handle.Path())
		m.invalidate(ctx, canonical, "path mismatch")
		return false, nil
	}

	if handle.Stale() {
		m.logger.Info("recovered token is stale, refresh required", "path", canonical)
	}
	return true, nil
}

// HasValid reports whether path currently has a usable persisted
// permission. It is the non-mutating portion of Recover for hot
// paths: internal errors are swallowed and reported at debug level,
// and nothing is ever deleted.
func (m *Manager) HasValid(ctx context.Context, path string) bool {
	canonical, err := bookmark.CanonicalPath(path)
	if err != nil {
		return false
	}

	token, cached := m.bookmarks.CachedToken(canonical)
	if !cached {
		stored, found, err := m.store.Retrieve(ctx, canonical, m.group)
		if err != nil || !found {
			if err != nil {
				m.logger.Debug("validity check: store unreadable", "path", canonical, "error", err)
			}
			return false
		}
		token = bookmark.TokenFromBytes(stored)
	}

	handle, err := m.bookmarks.Resolve(ctx, token)
	if err != nil {
		m.logger.Debug("validity check: resolution failed", "path", canonical, "error", err)
		return false
	}
	defer m.bookmarks.Release(handle)

	return handle.Path() == canonical
}

// Revoke deletes the persisted record for path. Revoking a path with
// no record is success; only a store-mechanism failure surfaces, as a
// RevocationError, and in that case the record (and its cache entry)
// remain.
func (m *Manager) Revoke(ctx context.Context, path string) error {
	canonical, err := bookmark.CanonicalPath(path)
	if err != nil {
		return &RevocationError{Path: path, Err: err}
	}

	if err := m.store.Delete(ctx, canonical, m.group); err != nil {
		return &RevocationError{Path: canonical, Err: err}
	}
	m.bookmarks.Forget(canonical)
	m.logger.Info("permission revoked", "path", canonical)
	return nil
}

// WithAccess resolves the grant for path, invokes fn with the live
// handle, and releases the handle on every exit path, including a
// panic in fn. A path with no grant fails with ErrNoPermission.
func (m *Manager) WithAccess(ctx context.Context, path string, fn func(*bookmark.Handle) error) error {
	canonical, err := bookmark.CanonicalPath(path)
	if err != nil {
		return fmt.Errorf("permission: %w", err)
	}

	token, cached := m.bookmarks.CachedToken(canonical)
	if !cached {
		stored, found, err := m.store.Retrieve(ctx, canonical, m.group)
		if err != nil {
			return &RecoveryError{Path: canonical, Err: err}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNoPermission, canonical)
		}
		token = bookmark.TokenFromBytes(stored)
	}

	handle, err := m.bookmarks.Resolve(ctx, token)
	if err != nil {
		return err
	}
	defer m.bookmarks.Release(handle)

	return fn(handle)
}

// RestoreAll delegates bulk recovery to the bookmark manager; see
// bookmark.Manager.RestoreAll.
func (m *Manager) RestoreAll(ctx context.Context) bookmark.RestoreReport {
	return m.bookmarks.RestoreAll(ctx)
}

// Close is the explicit shutdown hook for the process lifecycle
// owner: it clears the in-memory grant cache. Call exactly once at
// termination.
func (m *Manager) Close() {
	m.bookmarks.Shutdown()
}

// invalidate deletes a known-bad record and its cache entry. Cleanup
// is best-effort: a failed delete is logged, not surfaced, since the
// caller is already on a failure path.
func (m *Manager) invalidate(ctx context.Context, canonical, reason string) {
	if err := m.store.Delete(ctx, canonical, m.group); err != nil {
		m.logger.Error("invalidation cleanup failed", "path", canonical, "reason", reason, "error", err)
	}
	m.bookmarks.Forget(canonical)
}
