// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mpy-dev-ml/rbum/lib/bookmark"
	"github.com/mpy-dev-ml/rbum/lib/clock"
	"github.com/mpy-dev-ml/rbum/lib/secret"
)

// BookmarkResolver is the slice of the bookmark manager the Validator
// needs: resolving tokens into handles and releasing them again.
type BookmarkResolver interface {
	Resolve(ctx context.Context, token bookmark.Token) (*bookmark.Handle, error)
	Release(handle *bookmark.Handle)
}

// Validator performs the security checks that gate privileged helper
// operations. A single Validator serves all connections of a helper
// process; the session secret is per-Validator, handed to the client
// out of band at startup.
type Validator struct {
	bookmarks BookmarkResolver
	session   *secret.Buffer
	expected  map[Digest]struct{}
	clock     clock.Clock
	logger    *slog.Logger
}

// Options configures a Validator. Bookmarks, Session, and Logger are
// required. An empty expected digest set rejects every caller, which
// is the safe default for a misconfigured deployment.
type Options struct {
	// Bookmarks resolves resource tokens attached to requests.
	Bookmarks BookmarkResolver

	// Session is the shared session secret. The Validator borrows
	// the buffer; the owner closes it.
	Session *secret.Buffer

	// ExpectedDigests lists the executable digests allowed to call
	// privileged operations.
	ExpectedDigests []Digest

	// Clock drives Guard timeouts. Defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// NewValidator builds a Validator from options.
func NewValidator(options Options) (*Validator, error) {
	if options.Bookmarks == nil {
		return nil, fmt.Errorf("trust: bookmark manager is required")
	}
	if options.Session == nil {
		return nil, fmt.Errorf("trust: session secret is required")
	}
	if options.Logger == nil {
		return nil, fmt.Errorf("trust: logger is required")
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	expected := make(map[Digest]struct{}, len(options.ExpectedDigests))
	for _, digest := range options.ExpectedDigests {
		expected[digest] = struct{}{}
	}
	return &Validator{
		bookmarks: options.Bookmarks,
		session:   options.Session,
		expected:  expected,
		clock:     clk,
		logger:    options.Logger,
	}, nil
}

// ValidateCaller identifies the process on the far end of conn and
// checks its executable digest against the expected set. Returns the
// peer pid on success so subsequent log lines can carry it.
func (v *Validator) ValidateCaller(conn *net.UnixConn) (int32, error) {
	creds, err := peerCredentials(conn)
	if err != nil {
		return 0, fmt.Errorf("%w: reading peer credentials: %v", ErrSecurityValidation, err)
	}
	digest, err := HashExecutable(creds.Pid)
	if err != nil {
		return 0, fmt.Errorf("%w: hashing peer executable (pid %d): %v", ErrSecurityValidation, creds.Pid, err)
	}
	if _, ok := v.expected[digest]; !ok {
		v.logger.Warn("rejecting caller with unexpected executable digest",
			"pid", creds.Pid,
			"uid", creds.Uid,
			"digest", digest.String())
		return 0, fmt.Errorf("%w: executable digest %s not in expected set", ErrSecurityValidation, digest)
	}
	return creds.Pid, nil
}

// ValidateSession compares token against the session secret in
// constant time.
func (v *Validator) ValidateSession(token []byte) error {
	if subtle.ConstantTimeCompare(token, v.session.Bytes()) != 1 {
		return ErrAuditSessionInvalid
	}
	return nil
}

// ValidateResourceTokens resolves every token in the batch through the
// bookmark manager. On success the returned handles are live and owned
// by the caller, in the same order as the tokens. On any failure no
// handles remain held: everything acquired before the failing token is
// released, and the error wraps ErrResourceValidation.
func (v *Validator) ValidateResourceTokens(ctx context.Context, tokens []bookmark.Token) ([]*bookmark.Handle, error) {
	handles := make([]*bookmark.Handle, 0, len(tokens))
	for i, token := range tokens {
		handle, err := v.bookmarks.Resolve(ctx, token)
		if err != nil {
			for _, held := range handles {
				v.bookmarks.Release(held)
			}
			return nil, fmt.Errorf("%w: token %d of %d: %v", ErrResourceValidation, i+1, len(tokens), err)
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

// ReleaseAll releases every handle in the slice. Convenience for
// callers that acquired a batch via ValidateResourceTokens.
func (v *Validator) ReleaseAll(handles []*bookmark.Handle) {
	for _, handle := range handles {
		v.bookmarks.Release(handle)
	}
}

// Guard runs action with a hard wall-clock timeout. The action
// receives a context that is cancelled when the timeout expires or
// when ctx is cancelled, whichever comes first; actions that spawn
// subprocesses are expected to kill them on that cancellation. On
// expiry Guard returns bookmark.ErrOperationTimeout without waiting
// for the action to unwind.
func (v *Validator) Guard(ctx context.Context, timeout time.Duration, action func(context.Context) error) error {
	actionCtx, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)
	go func() {
		done <- action(actionCtx)
		cancel()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-v.clock.After(timeout):
		cancel()
		return bookmark.ErrOperationTimeout
	}
}

// peerCredentials reads SO_PEERCRED from a connected Unix socket.
func peerCredentials(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("accessing socket descriptor: %w", err)
	}
	var creds *unix.Ucred
	var credsErr error
	controlErr := raw.Control(func(fd uintptr) {
		creds, credsErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if controlErr != nil {
		return nil, fmt.Errorf("accessing socket descriptor: %w", controlErr)
	}
	if credsErr != nil {
		return nil, fmt.Errorf("SO_PEERCRED: %w", credsErr)
	}
	return creds, nil
}
