// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package bookmark

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mpy-dev-ml/rbum/lib/clock"
	"github.com/mpy-dev-ml/rbum/lib/secstore"
)

// signingKeyStoreKey is the reserved store key holding the Ed25519
// seed that signs tokens. Entry keys for real grants are canonical
// absolute paths, so a key without a leading slash can never collide
// with one.
const signingKeyStoreKey = "#token-signing-key"

// DefaultOperationTimeout bounds each store or filesystem step when
// Options.OperationTimeout is zero.
const DefaultOperationTimeout = 30 * time.Second

// Options configures a Manager.
type Options struct {
	// Store persists minted tokens. Required.
	Store secstore.Store

	// Group is the access group tokens are persisted under. Required.
	Group string

	// Clock drives operation timeouts and mint timestamps. Defaults
	// to clock.Real().
	Clock clock.Clock

	// Logger receives operational logs. Token bytes are never
	// logged. Required.
	Logger *slog.Logger

	// OperationTimeout bounds each operation's underlying store and
	// filesystem work. Defaults to DefaultOperationTimeout.
	OperationTimeout time.Duration
}

// grant is a cache entry: the current token for a path plus the
// number of unreleased handles resolved against it.
type grant struct {
	token  Token
	active int
}

// Manager mints, resolves, and refreshes tokens, and owns the
// in-memory active-grant cache.
type Manager struct {
	store   secstore.Store
	group   string
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration

	signingKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// mu guards grants. Held only for map reads and writes; all
	// store and filesystem I/O happens outside the lock.
	mu     sync.RWMutex
	grants map[string]*grant
}

// NewManager creates a Manager and loads (or creates and persists)
// the token signing key from the store's reserved entry.
func NewManager(ctx context.Context, options Options) (*Manager, error) {
	if options.Store == nil {
		return nil, fmt.Errorf("bookmark: store is required")
	}
	if options.Group == "" {
		return nil, fmt.Errorf("bookmark: access group is required")
	}
	if options.Logger == nil {
		return nil, fmt.Errorf("bookmark: logger is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.OperationTimeout <= 0 {
		options.OperationTimeout = DefaultOperationTimeout
	}

	manager := &Manager{
		store:   options.Store,
		group:   options.Group,
		clock:   options.Clock,
		logger:  options.Logger,
		timeout: options.OperationTimeout,
		grants:  make(map[string]*grant),
	}
	if err := manager.loadSigningKey(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}

// loadSigningKey retrieves the persisted Ed25519 seed, generating and
// persisting a fresh one on first run.
func (m *Manager) loadSigningKey(ctx context.Context) error {
	seed, found, err := m.store.Retrieve(ctx, signingKeyStoreKey, m.group)
	if err != nil {
		return fmt.Errorf("bookmark: loading signing key: %w", err)
	}
	if found {
		if len(seed) != ed25519.SeedSize {
			return fmt.Errorf("bookmark: persisted signing key has %d bytes, want %d", len(seed), ed25519.SeedSize)
		}
		m.signingKey = ed25519.NewKeyFromSeed(seed)
		m.publicKey = m.signingKey.Public().(ed25519.PublicKey)
		return nil
	}

	freshSeed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(freshSeed); err != nil {
		return fmt.Errorf("bookmark: generating signing key: %w", err)
	}
	if err := m.store.Save(ctx, signingKeyStoreKey, m.group, freshSeed); err != nil {
		return fmt.Errorf("bookmark: persisting signing key: %w", err)
	}
	m.signingKey = ed25519.NewKeyFromSeed(freshSeed)
	m.publicKey = m.signingKey.Public().(ed25519.PublicKey)
	return nil
}

// Create mints a token for path with the declared scope, persists it
// through the store, and records it in the grant cache. The cache
// update is the final step; a failed or timed-out create leaves the
// cache untouched.
func (m *Manager) Create(ctx context.Context, path string, scope Scope) (Token, error) {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return Token{}, &CreationError{Path: path, Err: err}
	}

	token, err := await(ctx, m.clock, m.timeout, func() (Token, error) {
		return m.mintAndPersist(ctx, canonical, scope)
	})
	if err != nil {
		if errors.Is(err, ErrOperationTimeout) {
			// The abandoned mint may still commit underneath.
			// Documented as indeterminate; see ErrOperationTimeout.
			m.logger.Error("token creation timed out", "path", canonical)
			return Token{}, err
		}
		return Token{}, &CreationError{Path: canonical, Err: err}
	}

	m.mu.Lock()
	if entry, ok := m.grants[canonical]; ok {
		// A refresh while handles are open replaces the token but the
		// handles stay live; their release accounting must survive.
		entry.token = token
	} else {
		m.grants[canonical] = &grant{token: token}
	}
	m.mu.Unlock()

	m.logger.Info("token created", "path", canonical, "scope", scope.String())
	return token, nil
}

// mintAndPersist checks access, mints, and persists. Runs inside the
// operation timeout; must not touch the grant cache.
func (m *Manager) mintAndPersist(ctx context.Context, canonical string, scope Scope) (Token, error) {
	device, inode, err := fileIdentity(canonical)
	if err != nil {
		return Token{}, err
	}
	if err := checkAccess(canonical, scope); err != nil {
		return Token{}, err
	}

	tokenID, err := newTokenID()
	if err != nil {
		return Token{}, err
	}

	token, err := mintToken(m.signingKey, &payload{
		Path:     canonical,
		Scope:    scope,
		Device:   device,
		Inode:    inode,
		MintedAt: m.clock.Now().Unix(),
		ID:       tokenID,
	})
	if err != nil {
		return Token{}, err
	}

	if err := m.store.Save(ctx, canonical, m.group, token.Bytes()); err != nil {
		return Token{}, err
	}
	return token, nil
}

// Resolve verifies the token, confirms its grant is still persisted,
// and opens a live access handle on its target. A token whose record
// has been revoked fails with ErrRecordMissing no matter how valid its
// signature is. The handle reports staleness when the target's file
// identity has changed since minting. The caller must release the
// handle on all exit paths.
func (m *Manager) Resolve(ctx context.Context, token Token) (*Handle, error) {
	content, err := openToken(m.publicKey, token)
	if err != nil {
		return nil, &ResolutionError{Err: err}
	}

	handle, err := await(ctx, m.clock, m.timeout, func() (*Handle, error) {
		return m.openTarget(ctx, content)
	})
	if err != nil {
		if errors.Is(err, ErrOperationTimeout) {
			return nil, err
		}
		return nil, &ResolutionError{Path: content.Path, Err: err}
	}
	handle.manager = m
	handle.recordPath = content.Path

	m.mu.Lock()
	entry, ok := m.grants[content.Path]
	if !ok {
		entry = &grant{token: token}
		m.grants[content.Path] = entry
	}
	entry.active++
	m.mu.Unlock()

	m.logger.Debug("token resolved", "path", content.Path, "stale", handle.stale)
	return handle, nil
}

// openTarget confirms the grant is still persisted and resolves the
// recorded path against the live filesystem. Runs inside the operation
// timeout; must not touch the grant cache.
func (m *Manager) openTarget(ctx context.Context, content *payload) (*Handle, error) {
	// A revoked grant has no persisted record. Without this check a
	// caller retaining token bytes could keep resolving a path long
	// after the user withdrew it.
	_, found, err := m.store.Retrieve(ctx, content.Path, m.group)
	if err != nil {
		return nil, fmt.Errorf("checking persisted record: %w", err)
	}
	if !found {
		return nil, ErrRecordMissing
	}

	livePath, err := filepath.EvalSymlinks(content.Path)
	if err != nil {
		return nil, fmt.Errorf("target unresolvable: %w", err)
	}

	device, inode, err := fileIdentity(livePath)
	if err != nil {
		return nil, fmt.Errorf("target unreadable: %w", err)
	}
	if err := checkAccess(livePath, content.Scope); err != nil {
		return nil, err
	}

	file, err := os.Open(livePath)
	if err != nil {
		return nil, fmt.Errorf("starting access: %w", err)
	}

	return &Handle{
		path:    livePath,
		scope:   content.Scope,
		stale:   device != content.Device || inode != content.Inode,
		tokenID: content.ID,
		file:    file,
	}, nil
}

// Refresh fully re-mints the token for path, preserving the scope of
// the persisted token it replaces. It is the repair step for a stale
// resolution, not a partial patch.
func (m *Manager) Refresh(ctx context.Context, path string) (Token, error) {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return Token{}, &RefreshError{Path: path, Err: err}
	}

	stored, found, err := m.store.Retrieve(ctx, canonical, m.group)
	if err != nil {
		return Token{}, &RefreshError{Path: canonical, Err: err}
	}
	if !found {
		return Token{}, &RefreshError{Path: canonical, Err: fmt.Errorf("no persisted token to refresh")}
	}
	previous, err := openToken(m.publicKey, TokenFromBytes(stored))
	if err != nil {
		return Token{}, &RefreshError{Path: canonical, Err: err}
	}

	token, err := m.Create(ctx, canonical, previous.Scope)
	if err != nil {
		if errors.Is(err, ErrOperationTimeout) {
			return Token{}, err
		}
		return Token{}, &RefreshError{Path: canonical, Err: err}
	}
	return token, nil
}

// Release stops active access for a resolved handle: the open file is
// closed and the grant's active count drops. Releasing a handle twice,
// or a handle that never started access, is a no-op. Never fails.
func (m *Manager) Release(handle *Handle) {
	if handle == nil {
		return
	}
	handle.releaseOnce.Do(func() {
		if handle.file != nil {
			handle.file.Close()
		}
		m.mu.Lock()
		if entry, ok := m.grants[handle.recordPath]; ok && entry.active > 0 {
			entry.active--
		}
		m.mu.Unlock()
		m.logger.Debug("access released", "path", handle.path)
	})
}

// CachedToken returns the cached token for a canonical path, if the
// path currently has an active or restored grant.
func (m *Manager) CachedToken(path string) (Token, bool) {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return Token{}, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.grants[canonical]
	if !ok {
		return Token{}, false
	}
	return entry.token, true
}

// Forget drops the cache entry for a canonical path. The permission
// layer calls this when it revokes or invalidates a persisted record
// so the cache never outlives the store.
func (m *Manager) Forget(path string) {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return
	}
	m.mu.Lock()
	delete(m.grants, canonical)
	m.mu.Unlock()
}

// Shutdown clears the entire grant cache. The process lifecycle owner
// calls it exactly once at termination; it replaces the ambient
// termination observer the original design used. Open handles remain
// valid until their callers release them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cleared := len(m.grants)
	m.grants = make(map[string]*grant)
	m.mu.Unlock()
	m.logger.Info("grant cache cleared", "grants", cleared)
}

// await races fn against the operation timeout and the caller's
// context. On timeout the goroutine running fn is abandoned, not
// rolled back; the operation's outcome underneath is indeterminate.
func await[T any](ctx context.Context, clk clock.Clock, timeout time.Duration, fn func() (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn()
		done <- outcome{value: value, err: err}
	}()

	var zero T
	select {
	case result := <-done:
		return result.value, result.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrOperationTimeout
		}
		return zero, ctx.Err()
	case <-clk.After(timeout):
		return zero, ErrOperationTimeout
	}
}

// CanonicalPath converts path to its canonical absolute form: the
// record key under which tokens are persisted and cached. Symlinks in
// the path are resolved so that the key always names the real target,
// matching what resolution sees on the live filesystem.
func CanonicalPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalizing %s: %w", path, err)
	}
	resolved, err := resolveExisting(filepath.Clean(absolute))
	if err != nil {
		return "", fmt.Errorf("canonicalizing %s: %w", path, err)
	}
	return resolved, nil
}

// resolveExisting resolves symlinks along path. Revocation and cache
// lookups run against paths that may no longer exist, so a missing
// suffix is tolerated: the longest existing prefix is resolved and the
// remaining components are rejoined literally.
func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	resolvedParent, err := resolveExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(path)), nil
}

// fileIdentity returns the device and inode of the target, following
// symlinks. This pair is the identity recorded in tokens and compared
// at resolution to detect replaced targets.
func fileIdentity(path string) (device, inode uint64, err error) {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return uint64(stat.Dev), stat.Ino, nil
}

// checkAccess confirms the process can access the target at the
// declared scope. This is the refusal point for minting: a path the
// process cannot reach at the requested scope never gets a token.
func checkAccess(path string, scope Scope) error {
	mode := uint32(unix.R_OK)
	if scope == ScopeReadWrite {
		mode |= unix.W_OK
	}
	if err := unix.Access(path, mode); err != nil {
		return fmt.Errorf("access denied for %s at scope %s: %w", path, scope, err)
	}
	return nil
}
