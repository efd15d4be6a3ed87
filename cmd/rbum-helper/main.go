// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// rbum-helper is the privilege-separated helper daemon. It owns the
// credential store and the token signing key, and exposes a small set
// of actions over a Unix socket. Every request is gated by the trust
// validator: caller executable digest, session token, and resource
// tokens, in that order. Unprivileged clients never see raw paths
// accepted on faith; only signed tokens cross the boundary.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mpy-dev-ml/rbum/lib/bookmark"
	"github.com/mpy-dev-ml/rbum/lib/clock"
	"github.com/mpy-dev-ml/rbum/lib/config"
	"github.com/mpy-dev-ml/rbum/lib/helperd"
	"github.com/mpy-dev-ml/rbum/lib/ipc"
	"github.com/mpy-dev-ml/rbum/lib/runner"
	"github.com/mpy-dev-ml/rbum/lib/secret"
	"github.com/mpy-dev-ml/rbum/lib/secstore"
	"github.com/mpy-dev-ml/rbum/lib/trust"
)

// sessionTokenSize is the length of the random per-run session
// secret.
const sessionTokenSize = 32

// guardHeadroom is added on top of a subprocess timeout to form the
// Guard ceiling. The runner's own group kill fires first; Guard is
// the backstop if that goes wrong.
const guardHeadroom = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "path to rbum.yaml (defaults to $RBUM_CONFIG)")
	pflag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := secstore.LoadOrCreateIdentity(filepath.Join(cfg.Store.BaseDirectory, "identity.age"))
	if err != nil {
		return err
	}
	defer identity.Close()

	store, err := secstore.NewFileStore(cfg.Store.BaseDirectory, identity, clock.Real(), logger)
	if err != nil {
		return err
	}
	if err := store.ConfigureSharing(cfg.Store.AccessGroup); err != nil {
		return err
	}

	bookmarks, err := bookmark.NewManager(ctx, bookmark.Options{
		Store:            store,
		Group:            cfg.Store.AccessGroup,
		Clock:            clock.Real(),
		Logger:           logger,
		OperationTimeout: cfg.Timeouts.OperationTimeout(),
	})
	if err != nil {
		return err
	}
	defer bookmarks.Shutdown()

	session, err := newSessionSecret()
	if err != nil {
		return err
	}
	defer session.Close()

	sessionPath := cfg.Helper.SocketPath + ".session"
	if err := writeSessionFile(sessionPath, session); err != nil {
		return err
	}
	defer os.Remove(sessionPath)

	digests, err := cfg.Helper.ClientDigests()
	if err != nil {
		return err
	}
	validator, err := trust.NewValidator(trust.Options{
		Bookmarks:       bookmarks,
		Session:         session,
		ExpectedDigests: digests,
		Clock:           clock.Real(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	helper := &helper{
		validator:      validator,
		runner:         runner.New(logger),
		executeTimeout: cfg.Timeouts.ExecuteTimeout(),
		gracePeriod:    cfg.Timeouts.GracePeriod(),
	}

	server := helperd.NewServer(cfg.Helper.SocketPath, validator, logger)
	server.Handle(ipc.ActionExecute, helper.execute)
	server.Handle(ipc.ActionStatus, helper.status)

	logger.Info("rbum-helper starting",
		"socket", cfg.Helper.SocketPath,
		"store", cfg.Store.BaseDirectory,
		"expected_clients", len(digests))
	return server.Serve(ctx)
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// newSessionSecret draws a fresh random session token into guarded
// memory.
func newSessionSecret() (*secret.Buffer, error) {
	raw := make([]byte, sessionTokenSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	return secret.NewFromBytes(raw)
}

// writeSessionFile hands the session token to clients out of band,
// through a file only the owning user can read.
func writeSessionFile(path string, session *secret.Buffer) error {
	if err := os.WriteFile(path, session.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing session file %s: %w", path, err)
	}
	return nil
}

// helper implements the action handlers.
type helper struct {
	validator      *trust.Validator
	runner         *runner.Runner
	executeTimeout time.Duration
	gracePeriod    time.Duration
}

// execute runs a command against the request's validated handles. The
// runner enforces the subprocess timeout with a process-group kill;
// Guard adds a hard ceiling above it so a stuck kill cannot wedge the
// helper.
func (h *helper) execute(ctx context.Context, request *ipc.Request, handles []*bookmark.Handle) (*ipc.Response, error) {
	if request.Command == nil {
		return nil, fmt.Errorf("execute: command spec is required")
	}
	timeout := time.Duration(request.Command.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = h.executeTimeout
	}
	if timeout <= 0 {
		timeout = runner.DefaultTimeout
	}

	spec := runner.Spec{
		Command:          request.Command.Command,
		Args:             request.Command.Args,
		WorkingDirectory: request.Command.WorkingDirectory,
		Handles:          handles,
		Timeout:          timeout,
		GracePeriod:      h.gracePeriod,
	}

	var result runner.Result
	ceiling := timeout + h.gracePeriod + guardHeadroom
	err := h.validator.Guard(ctx, ceiling, func(actionCtx context.Context) error {
		var execErr error
		result, execErr = h.runner.Exec(actionCtx, spec)
		return execErr
	})
	if err != nil {
		return nil, err
	}

	exitCode := result.ExitCode
	return &ipc.Response{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: &exitCode,
	}, nil
}

// status reports the helper's own executable digest so clients can
// verify which build is running.
func (h *helper) status(ctx context.Context, request *ipc.Request, handles []*bookmark.Handle) (*ipc.Response, error) {
	digest, err := trust.HashExecutable(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("hashing own executable: %w", err)
	}
	return &ipc.Response{BinaryDigest: digest.String()}, nil
}
