// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpy-dev-ml/rbum/lib/bookmark"
	"github.com/mpy-dev-ml/rbum/lib/clock"
	"github.com/mpy-dev-ml/rbum/lib/secret"
	"github.com/mpy-dev-ml/rbum/lib/secstore"
	"github.com/mpy-dev-ml/rbum/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBookmarkManager(t *testing.T) *bookmark.Manager {
	t.Helper()
	manager, err := bookmark.NewManager(context.Background(), bookmark.Options{
		Store:  secstore.NewMemoryStore(),
		Group:  "rbum.shared",
		Clock:  clock.Real(),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	t.Cleanup(manager.Shutdown)
	return manager
}

func newSessionSecret(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		t.Fatalf("NewFromBytes error: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func newValidator(t *testing.T, options Options) *Validator {
	t.Helper()
	if options.Bookmarks == nil {
		options.Bookmarks = newBookmarkManager(t)
	}
	if options.Session == nil {
		options.Session = newSessionSecret(t, "session-secret")
	}
	if options.Logger == nil {
		options.Logger = testLogger()
	}
	validator, err := NewValidator(options)
	if err != nil {
		t.Fatalf("NewValidator error: %v", err)
	}
	return validator
}

// selfConnection opens a Unix socket pair within the test process and
// returns the server side, whose peer credentials are our own.
func selfConnection(t *testing.T) *net.UnixConn {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "trust.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	server := testutil.RequireReceive(t, accepted, 5*time.Second, "accept")
	t.Cleanup(func() { server.Close() })
	return server.(*net.UnixConn)
}

func TestValidateCallerAcceptsExpectedDigest(t *testing.T) {
	ownDigest, err := HashExecutable(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("HashExecutable error: %v", err)
	}
	validator := newValidator(t, Options{ExpectedDigests: []Digest{ownDigest}})

	pid, err := validator.ValidateCaller(selfConnection(t))
	if err != nil {
		t.Fatalf("ValidateCaller error: %v", err)
	}
	if pid != int32(os.Getpid()) {
		t.Fatalf("peer pid = %d, want %d", pid, os.Getpid())
	}
}

func TestValidateCallerRejectsUnknownDigest(t *testing.T) {
	validator := newValidator(t, Options{})

	_, err := validator.ValidateCaller(selfConnection(t))
	if !errors.Is(err, ErrSecurityValidation) {
		t.Fatalf("ValidateCaller error = %v, want ErrSecurityValidation", err)
	}
}

func TestValidateSession(t *testing.T) {
	validator := newValidator(t, Options{Session: newSessionSecret(t, "correct horse")})

	if err := validator.ValidateSession([]byte("correct horse")); err != nil {
		t.Fatalf("matching session rejected: %v", err)
	}
	for _, token := range [][]byte{
		[]byte("correctforge"),
		[]byte("correct horse battery"),
		[]byte(""),
		nil,
	} {
		if err := validator.ValidateSession(token); !errors.Is(err, ErrAuditSessionInvalid) {
			t.Fatalf("ValidateSession(%q) = %v, want ErrAuditSessionInvalid", token, err)
		}
	}
}

// countingResolver wraps a real bookmark manager and records how many
// handles have been resolved and released.
type countingResolver struct {
	manager  *bookmark.Manager
	resolved int
	released int
}

func (r *countingResolver) Resolve(ctx context.Context, token bookmark.Token) (*bookmark.Handle, error) {
	handle, err := r.manager.Resolve(ctx, token)
	if err == nil {
		r.resolved++
	}
	return handle, err
}

func (r *countingResolver) Release(handle *bookmark.Handle) {
	r.released++
	r.manager.Release(handle)
}

func writeTestFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("payload"), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	return resolved
}

func TestValidateResourceTokensSuccess(t *testing.T) {
	ctx := context.Background()
	manager := newBookmarkManager(t)
	validator := newValidator(t, Options{Bookmarks: manager})

	var tokens []bookmark.Token
	var paths []string
	for _, name := range []string{"first", "second", "third"} {
		path := writeTestFile(t, name)
		token, err := manager.Create(ctx, path, bookmark.ScopeReadOnly)
		if err != nil {
			t.Fatalf("Create(%s) error: %v", path, err)
		}
		tokens = append(tokens, token)
		paths = append(paths, path)
	}

	handles, err := validator.ValidateResourceTokens(ctx, tokens)
	if err != nil {
		t.Fatalf("ValidateResourceTokens error: %v", err)
	}
	if len(handles) != len(tokens) {
		t.Fatalf("got %d handles, want %d", len(handles), len(tokens))
	}
	for i, handle := range handles {
		if handle.Path() != paths[i] {
			t.Errorf("handle %d path = %s, want %s", i, handle.Path(), paths[i])
		}
		manager.Release(handle)
	}
}

func TestValidateResourceTokensAllOrNothing(t *testing.T) {
	ctx := context.Background()
	manager := newBookmarkManager(t)
	resolver := &countingResolver{manager: manager}
	validator := newValidator(t, Options{Bookmarks: resolver})

	good1, err := manager.Create(ctx, writeTestFile(t, "good1"), bookmark.ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	good2, err := manager.Create(ctx, writeTestFile(t, "good2"), bookmark.ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	// A token minted by a different signing key fails resolution.
	foreignManager := newBookmarkManager(t)
	foreign, err := foreignManager.Create(ctx, writeTestFile(t, "foreign"), bookmark.ScopeReadOnly)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	handles, err := validator.ValidateResourceTokens(ctx, []bookmark.Token{good1, good2, foreign})
	if !errors.Is(err, ErrResourceValidation) {
		t.Fatalf("error = %v, want ErrResourceValidation", err)
	}
	if handles != nil {
		t.Fatalf("got %d handles on failure, want none", len(handles))
	}
	if resolver.resolved != 2 {
		t.Errorf("resolved %d handles before failure, want 2", resolver.resolved)
	}
	if resolver.released != resolver.resolved {
		t.Errorf("released %d of %d acquired handles", resolver.released, resolver.resolved)
	}
}

func TestValidateResourceTokensEmptyBatch(t *testing.T) {
	validator := newValidator(t, Options{})

	handles, err := validator.ValidateResourceTokens(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty batch error: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("got %d handles for empty batch", len(handles))
	}
}

func TestGuardActionCompletes(t *testing.T) {
	validator := newValidator(t, Options{})

	wantErr := errors.New("action failed")
	err := validator.Guard(context.Background(), time.Minute, func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Guard error = %v, want %v", err, wantErr)
	}

	if err := validator.Guard(context.Background(), time.Minute, func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("Guard error = %v, want nil", err)
	}
}

func TestGuardTimeoutCancelsAction(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	validator := newValidator(t, Options{Clock: clk})

	cancelled := make(chan struct{}, 1)
	result := make(chan error, 1)
	go func() {
		result <- validator.Guard(context.Background(), 10*time.Second, func(actionCtx context.Context) error {
			<-actionCtx.Done()
			cancelled <- struct{}{}
			return actionCtx.Err()
		})
	}()

	// Wait until Guard is parked on the timeout, then fire it.
	testutil.Eventually(t, 5*time.Second, func() bool {
		return clk.PendingWaiters() > 0
	}, "Guard never armed its timeout")
	clk.Advance(10 * time.Second)

	err := testutil.RequireReceive(t, result, 5*time.Second, "Guard result")
	if !errors.Is(err, bookmark.ErrOperationTimeout) {
		t.Fatalf("Guard error = %v, want ErrOperationTimeout", err)
	}
	testutil.RequireReceive(t, cancelled, 5*time.Second, "action context never cancelled")
}

func TestGuardParentCancellation(t *testing.T) {
	validator := newValidator(t, Options{Clock: clock.Fake(time.Unix(1_700_000_000, 0))})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- validator.Guard(ctx, time.Hour, func(actionCtx context.Context) error {
			<-actionCtx.Done()
			return actionCtx.Err()
		})
	}()
	cancel()

	err := testutil.RequireReceive(t, result, 5*time.Second, "Guard result")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Guard error = %v, want context.Canceled", err)
	}
}

func TestParseDigest(t *testing.T) {
	digest, err := HashExecutable(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("HashExecutable error: %v", err)
	}
	parsed, err := ParseDigest(digest.String())
	if err != nil {
		t.Fatalf("ParseDigest error: %v", err)
	}
	if parsed != digest {
		t.Fatalf("round trip mismatch: %s != %s", parsed, digest)
	}

	for _, invalid := range []string{"", "zz", "abcd", digest.String() + "00"} {
		if _, err := ParseDigest(invalid); err == nil {
			t.Errorf("ParseDigest(%q) succeeded, want error", invalid)
		}
	}
}
