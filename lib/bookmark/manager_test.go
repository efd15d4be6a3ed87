// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package bookmark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mpy-dev-ml/rbum/lib/clock"
	"github.com/mpy-dev-ml/rbum/lib/secstore"
	"github.com/mpy-dev-ml/rbum/lib/testutil"
)

const testGroup = "rbum.shared"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, store secstore.Store, clk clock.Clock) *Manager {
	t.Helper()
	manager, err := NewManager(context.Background(), Options{
		Store:  store,
		Group:  testGroup,
		Clock:  clk,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	return manager
}

// canonicalTempDir returns a fresh temp directory with any symlink
// components resolved, so minted paths compare equal to resolved
// handle paths.
func canonicalTempDir(t *testing.T) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks(TempDir) error: %v", err)
	}
	return resolved
}

// writeTestFile creates a regular file to mint tokens against.
func writeTestFile(t *testing.T, directory, name string) string {
	t.Helper()
	path := filepath.Join(directory, name)
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatalf("WriteFile(%s) error: %v", path, err)
	}
	return path
}

func TestCreateAndResolve(t *testing.T) {
	store := secstore.NewMemoryStore()
	manager := newTestManager(t, store, clock.Real())
	path := writeTestFile(t, canonicalTempDir(t), "target")
	ctx := context.Background()

	token, err := manager.Create(ctx, path, ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if token.IsZero() {
		t.Fatal("Create() returned zero token")
	}

	// The token is persisted under the canonical path.
	stored, found, err := store.Retrieve(ctx, path, testGroup)
	if err != nil || !found {
		t.Fatalf("Retrieve() = (found=%v, err=%v), want stored token", found, err)
	}
	if len(stored) == 0 {
		t.Fatal("persisted token is empty")
	}

	// Cache consistency: an immediate cache lookup sees the grant.
	if _, ok := manager.CachedToken(path); !ok {
		t.Error("CachedToken() missing immediately after Create")
	}

	handle, err := manager.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	defer manager.Release(handle)

	if handle.Path() != path {
		t.Errorf("Handle.Path() = %q, want %q", handle.Path(), path)
	}
	if handle.Stale() {
		t.Error("fresh token resolved stale")
	}
	if handle.Scope() != ScopeReadOnly {
		t.Errorf("Handle.Scope() = %v, want %v", handle.Scope(), ScopeReadOnly)
	}
	if handle.File() == nil {
		t.Error("Handle.File() = nil, want open file")
	}
}

func TestCreateThroughSymlink(t *testing.T) {
	store := secstore.NewMemoryStore()
	manager := newTestManager(t, store, clock.Real())
	directory := canonicalTempDir(t)
	target := writeTestFile(t, directory, "target")
	link := filepath.Join(directory, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("Symlink() error: %v", err)
	}
	ctx := context.Background()

	token, err := manager.Create(ctx, link, ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// The record key is the resolved target, so minting and later
	// resolution agree on the path.
	_, found, err := store.Retrieve(ctx, target, testGroup)
	if err != nil || !found {
		t.Fatalf("Retrieve(target) = (found=%v, err=%v), want stored token", found, err)
	}
	if _, ok := manager.CachedToken(link); !ok {
		t.Error("CachedToken(link) missing after Create")
	}
	if _, ok := manager.CachedToken(target); !ok {
		t.Error("CachedToken(target) missing after Create")
	}

	handle, err := manager.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	defer manager.Release(handle)
	if handle.Path() != target {
		t.Errorf("Handle.Path() = %q, want %q", handle.Path(), target)
	}
	if handle.Stale() {
		t.Error("token minted through symlink resolved stale")
	}
}

func TestCreateNonexistentPath(t *testing.T) {
	manager := newTestManager(t, secstore.NewMemoryStore(), clock.Real())

	_, err := manager.Create(context.Background(), filepath.Join(t.TempDir(), "missing"), ScopeReadOnly)
	var creationErr *CreationError
	if !errors.As(err, &creationErr) {
		t.Fatalf("Create() error = %v, want *CreationError", err)
	}
}

func TestResolveTamperedToken(t *testing.T) {
	manager := newTestManager(t, secstore.NewMemoryStore(), clock.Real())
	path := writeTestFile(t, canonicalTempDir(t), "target")

	token, err := manager.Create(context.Background(), path, ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	raw := token.Bytes()
	raw[0] ^= 0xff
	_, err = manager.Resolve(context.Background(), TokenFromBytes(raw))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Resolve(tampered) error = %v, want ErrInvalidSignature", err)
	}
}

func TestResolveTokenFromForeignKey(t *testing.T) {
	// A token minted by a different store's signing key must not
	// verify against this manager.
	path := writeTestFile(t, canonicalTempDir(t), "target")
	foreign := newTestManager(t, secstore.NewMemoryStore(), clock.Real())
	manager := newTestManager(t, secstore.NewMemoryStore(), clock.Real())

	token, err := foreign.Create(context.Background(), path, ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err = manager.Resolve(context.Background(), token)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Resolve(foreign) error = %v, want ErrInvalidSignature", err)
	}
}

func TestResolveWithoutPersistedRecord(t *testing.T) {
	store := secstore.NewMemoryStore()
	manager := newTestManager(t, store, clock.Real())
	path := writeTestFile(t, canonicalTempDir(t), "target")
	ctx := context.Background()

	token, err := manager.Create(ctx, path, ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Revocation deletes the record and drops the cache entry. The
	// token bytes a caller may have retained stop resolving.
	if err := store.Delete(ctx, path, testGroup); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	manager.Forget(path)

	_, err = manager.Resolve(ctx, token)
	if !errors.Is(err, ErrRecordMissing) {
		t.Errorf("Resolve() error = %v, want ErrRecordMissing", err)
	}
	if _, ok := manager.CachedToken(path); ok {
		t.Error("failed resolution re-populated the cache")
	}
}

func TestResolveTruncatedToken(t *testing.T) {
	manager := newTestManager(t, secstore.NewMemoryStore(), clock.Real())

	_, err := manager.Resolve(context.Background(), TokenFromBytes([]byte("short")))
	if !errors.Is(err, ErrTokenTooShort) {
		t.Errorf("Resolve(short) error = %v, want ErrTokenTooShort", err)
	}
}

func TestStaleDetectionAndRefresh(t *testing.T) {
	store := secstore.NewMemoryStore()
	manager := newTestManager(t, store, clock.Real())
	directory := canonicalTempDir(t)
	path := writeTestFile(t, directory, "target")
	ctx := context.Background()

	token, err := manager.Create(ctx, path, ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Replace the target: same path, new inode.
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	writeTestFile(t, directory, "target")

	handle, err := manager.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !handle.Stale() {
		t.Fatal("replaced target resolved fresh, want stale")
	}
	manager.Release(handle)

	// Refresh re-mints; the replacement resolves fresh to the same
	// canonical path.
	refreshed, err := manager.Refresh(ctx, path)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	handle, err = manager.Resolve(ctx, refreshed)
	if err != nil {
		t.Fatalf("Resolve(refreshed) error: %v", err)
	}
	defer manager.Release(handle)
	if handle.Stale() {
		t.Error("refreshed token resolved stale")
	}
	if handle.Path() != path {
		t.Errorf("refreshed Handle.Path() = %q, want %q", handle.Path(), path)
	}
	if handle.Scope() != ScopeReadOnly {
		t.Errorf("refresh changed scope to %v, want %v", handle.Scope(), ScopeReadOnly)
	}
}

func TestRefreshWithoutPersistedToken(t *testing.T) {
	manager := newTestManager(t, secstore.NewMemoryStore(), clock.Real())
	path := writeTestFile(t, canonicalTempDir(t), "target")

	_, err := manager.Refresh(context.Background(), path)
	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) {
		t.Errorf("Refresh() error = %v, want *RefreshError", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	manager := newTestManager(t, secstore.NewMemoryStore(), clock.Real())
	path := writeTestFile(t, canonicalTempDir(t), "target")
	ctx := context.Background()

	token, err := manager.Create(ctx, path, ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	handle, err := manager.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	manager.Release(handle)
	manager.Release(handle)
	manager.Release(nil)
}

// activeCount reads the unreleased-handle count for a path straight
// out of the grant cache.
func activeCount(manager *Manager, path string) int {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	entry, ok := manager.grants[path]
	if !ok {
		return 0
	}
	return entry.active
}

func TestRefreshPreservesActiveHandles(t *testing.T) {
	manager := newTestManager(t, secstore.NewMemoryStore(), clock.Real())
	path := writeTestFile(t, canonicalTempDir(t), "target")
	ctx := context.Background()

	token, err := manager.Create(ctx, path, ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	handle, err := manager.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got := activeCount(manager, path); got != 1 {
		t.Fatalf("active count = %d after Resolve, want 1", got)
	}

	// Re-minting while a handle is open must not reset the release
	// accounting for that handle.
	refreshed, err := manager.Refresh(ctx, path)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if got := activeCount(manager, path); got != 1 {
		t.Errorf("active count = %d after Refresh, want 1", got)
	}
	if cached, ok := manager.CachedToken(path); !ok || !cached.Equal(refreshed) {
		t.Error("cache does not hold the refreshed token")
	}

	manager.Release(handle)
	if got := activeCount(manager, path); got != 0 {
		t.Errorf("active count = %d after Release, want 0", got)
	}
}

// blockableStore wraps a Store and, when armed, parks Save until the
// test releases it. Used to force the timeout branch.
type blockableStore struct {
	*secstore.MemoryStore

	mu      sync.Mutex
	barrier chan struct{}
}

func (s *blockableStore) arm() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barrier = make(chan struct{})
	return s.barrier
}

func (s *blockableStore) Save(ctx context.Context, key, group string, blob []byte) error {
	s.mu.Lock()
	barrier := s.barrier
	s.mu.Unlock()
	if barrier != nil {
		<-barrier
	}
	return s.MemoryStore.Save(ctx, key, group, blob)
}

func TestCreateTimeoutLeavesCacheUntouched(t *testing.T) {
	store := &blockableStore{MemoryStore: secstore.NewMemoryStore()}
	fake := clock.Fake(time.Unix(1700000000, 0))
	manager := newTestManager(t, store, fake)
	path := writeTestFile(t, canonicalTempDir(t), "target")

	barrier := store.arm()
	defer close(barrier)

	type createResult struct {
		err error
	}
	done := make(chan createResult, 1)
	go func() {
		_, err := manager.Create(context.Background(), path, ScopeReadOnly)
		done <- createResult{err: err}
	}()

	// Wait until Create has parked on the timeout clock, then push
	// the fake clock past the deadline.
	testutil.Eventually(t, 5*time.Second, func() bool {
		return fake.PendingWaiters() > 0
	}, "Create did not reach its timeout select")
	fake.Advance(DefaultOperationTimeout + time.Second)

	result := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Create to time out")
	if !errors.Is(result.err, ErrOperationTimeout) {
		t.Fatalf("Create() error = %v, want ErrOperationTimeout", result.err)
	}

	// The timed-out create never committed to the cache.
	if _, ok := manager.CachedToken(path); ok {
		t.Error("cache contains a grant for the timed-out create")
	}
}

func TestContextCancellationIsNotTimeout(t *testing.T) {
	store := &blockableStore{MemoryStore: secstore.NewMemoryStore()}
	manager := newTestManager(t, store, clock.Real())
	path := writeTestFile(t, canonicalTempDir(t), "target")

	barrier := store.arm()
	defer close(barrier)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := manager.Create(ctx, path, ScopeReadOnly)
		done <- err
	}()
	cancel()

	err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for cancelled Create")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Create() error = %v, want context.Canceled", err)
	}
}

func TestRestoreAll(t *testing.T) {
	store := secstore.NewMemoryStore()
	directory := canonicalTempDir(t)
	freshPath := writeTestFile(t, directory, "fresh")
	stalePath := writeTestFile(t, directory, "stale")
	goneTarget := writeTestFile(t, directory, "gone")
	ctx := context.Background()

	// First process lifetime: mint three tokens.
	first := newTestManager(t, store, clock.Real())
	for _, path := range []string{freshPath, stalePath, goneTarget} {
		if _, err := first.Create(ctx, path, ScopeReadOnly); err != nil {
			t.Fatalf("Create(%s) error: %v", path, err)
		}
	}
	first.Shutdown()

	// Between lifetimes: one target replaced, one removed.
	if err := os.Remove(stalePath); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	writeTestFile(t, directory, "stale")
	if err := os.Remove(goneTarget); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	// Second process lifetime: bulk recovery.
	second := newTestManager(t, store, clock.Real())
	report := second.RestoreAll(ctx)

	if len(report.Restored) != 1 || report.Restored[0] != freshPath {
		t.Errorf("Restored = %v, want [%s]", report.Restored, freshPath)
	}
	if len(report.Refreshed) != 1 || report.Refreshed[0] != stalePath {
		t.Errorf("Refreshed = %v, want [%s]", report.Refreshed, stalePath)
	}
	if len(report.Failed) != 1 {
		t.Errorf("Failed = %v, want exactly the removed target", report.Failed)
	}
	if _, failed := report.Failed[goneTarget]; !failed {
		t.Errorf("Failed missing %s", goneTarget)
	}

	// Recovered grants are visible in the cache.
	if _, ok := second.CachedToken(freshPath); !ok {
		t.Error("CachedToken(fresh) missing after RestoreAll")
	}
	if _, ok := second.CachedToken(stalePath); !ok {
		t.Error("CachedToken(stale) missing after RestoreAll refresh")
	}
}

func TestShutdownClearsCache(t *testing.T) {
	manager := newTestManager(t, secstore.NewMemoryStore(), clock.Real())
	path := writeTestFile(t, canonicalTempDir(t), "target")

	if _, err := manager.Create(context.Background(), path, ScopeReadOnly); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	manager.Shutdown()

	if _, ok := manager.CachedToken(path); ok {
		t.Error("CachedToken() present after Shutdown")
	}
}

func TestConcurrentCreateAndResolve(t *testing.T) {
	store := secstore.NewMemoryStore()
	manager := newTestManager(t, store, clock.Real())
	directory := canonicalTempDir(t)
	ctx := context.Background()

	var waitGroup sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		path := writeTestFile(t, directory, fmt.Sprintf("target-%d", worker))
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			token, err := manager.Create(ctx, path, ScopeReadWrite)
			if err != nil {
				t.Errorf("Create(%s) error: %v", path, err)
				return
			}
			for i := 0; i < 4; i++ {
				handle, err := manager.Resolve(ctx, token)
				if err != nil {
					t.Errorf("Resolve(%s) error: %v", path, err)
					return
				}
				manager.Release(handle)
			}
		}()
	}
	waitGroup.Wait()
}

func TestSigningKeySurvivesRestart(t *testing.T) {
	store := secstore.NewMemoryStore()
	path := writeTestFile(t, canonicalTempDir(t), "target")
	ctx := context.Background()

	first := newTestManager(t, store, clock.Real())
	token, err := first.Create(ctx, path, ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// A new manager over the same store loads the same signing key,
	// so tokens minted before the restart still verify.
	second := newTestManager(t, store, clock.Real())
	handle, err := second.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve() after restart error: %v", err)
	}
	second.Release(handle)
}
