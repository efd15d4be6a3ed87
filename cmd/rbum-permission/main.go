// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// rbum-permission is the operator CLI for the permission subsystem:
// granting, inspecting, recovering, and revoking persistent resource
// permissions. Grants require interactive consent on a real terminal
// unless --yes is passed explicitly.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mpy-dev-ml/rbum/lib/bookmark"
	"github.com/mpy-dev-ml/rbum/lib/clock"
	"github.com/mpy-dev-ml/rbum/lib/config"
	"github.com/mpy-dev-ml/rbum/lib/permission"
	"github.com/mpy-dev-ml/rbum/lib/secstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]
	switch subcommand {
	case "grant":
		return runGrant(args)
	case "recover":
		return runRecover(args)
	case "check":
		return runCheck(args)
	case "revoke":
		return runRevoke(args)
	case "list":
		return runList(args)
	case "restore":
		return runRestore(args)
	case "version":
		fmt.Printf("rbum-permission %s\n", buildVersion())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: rbum-permission <subcommand> [flags]

Subcommands:
  grant     Request consent and persist a permission for a path
  recover   Recover a persisted permission after restart
  check     Report whether a valid permission exists for a path
  revoke    Remove a persisted permission
  list      List paths with persisted permissions
  restore   Recover every persisted permission, refreshing stale ones
  version   Print version information

Run 'rbum-permission <subcommand> --help' for subcommand flags.
`)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(unknown)"
}

// commonFlags registers the flags every subcommand shares.
func commonFlags(flags *pflag.FlagSet) *string {
	return flags.String("config", "", "path to rbum.yaml (defaults to $RBUM_CONFIG)")
}

// session bundles the wired-up managers for one CLI invocation.
type session struct {
	manager *permission.Manager
	store   secstore.Store
	group   string
	close   func()
}

// openSession loads config and builds the store, bookmark manager,
// and permission manager. consent is the grant collaborator; pass
// denyConsent for subcommands that never prompt.
func openSession(ctx context.Context, configPath string, consent permission.Consent) (*session, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	identity, err := secstore.LoadOrCreateIdentity(filepath.Join(cfg.Store.BaseDirectory, "identity.age"))
	if err != nil {
		return nil, err
	}

	store, err := secstore.NewFileStore(cfg.Store.BaseDirectory, identity, clock.Real(), logger)
	if err != nil {
		identity.Close()
		return nil, err
	}
	if err := store.ConfigureSharing(cfg.Store.AccessGroup); err != nil {
		logger.Warn("sharing configuration failed", "group", cfg.Store.AccessGroup, "error", err)
	}

	bookmarks, err := bookmark.NewManager(ctx, bookmark.Options{
		Store:            store,
		Group:            cfg.Store.AccessGroup,
		Clock:            clock.Real(),
		Logger:           logger,
		OperationTimeout: cfg.Timeouts.OperationTimeout(),
	})
	if err != nil {
		identity.Close()
		return nil, err
	}

	manager, err := permission.NewManager(permission.Options{
		Bookmarks: bookmarks,
		Store:     store,
		Group:     cfg.Store.AccessGroup,
		Consent:   consent,
		Logger:    logger,
	})
	if err != nil {
		bookmarks.Shutdown()
		identity.Close()
		return nil, err
	}

	return &session{
		manager: manager,
		store:   store,
		group:   cfg.Store.AccessGroup,
		close: func() {
			manager.Close()
			identity.Close()
		},
	}, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ttyConsent prompts for a y/N answer on the controlling terminal.
// It refuses to run without one: consent prompts that can be piped
// are not consent.
type ttyConsent struct {
	in  *os.File
	out *os.File
}

func (c *ttyConsent) PromptForAccess(ctx context.Context, path string) (bool, error) {
	if !term.IsTerminal(int(c.in.Fd())) {
		return false, fmt.Errorf("consent prompt requires an interactive terminal (use --yes to grant non-interactively)")
	}
	fmt.Fprintf(c.out, "Allow persistent access to %s? [y/N] ", path)
	answer, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading consent answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// staticConsent answers every prompt the same way without asking.
type staticConsent bool

func (c staticConsent) PromptForAccess(ctx context.Context, path string) (bool, error) {
	return bool(c), nil
}

// denyConsent is for subcommands that must never mint new grants.
const denyConsent = staticConsent(false)

func runGrant(args []string) error {
	flags := pflag.NewFlagSet("grant", pflag.ExitOnError)
	configPath := commonFlags(flags)
	path := flags.String("path", "", "filesystem path to grant access to (required)")
	write := flags.Bool("write", false, "grant read-write access instead of read-only")
	yes := flags.Bool("yes", false, "grant without an interactive prompt")
	flags.Parse(args)

	if *path == "" {
		flags.Usage()
		return fmt.Errorf("--path is required")
	}
	scope := bookmark.ScopeReadOnly
	if *write {
		scope = bookmark.ScopeReadWrite
	}

	var consent permission.Consent = &ttyConsent{in: os.Stdin, out: os.Stderr}
	if *yes {
		consent = staticConsent(true)
	}

	ctx, stop := signalContext()
	defer stop()

	sess, err := openSession(ctx, *configPath, consent)
	if err != nil {
		return err
	}
	defer sess.close()

	granted, err := sess.manager.RequestAndPersist(ctx, *path, scope)
	if err != nil {
		return err
	}
	if !granted {
		return fmt.Errorf("access to %s was not granted", *path)
	}
	fmt.Printf("granted %s access to %s\n", scope, *path)
	return nil
}

func runRecover(args []string) error {
	flags := pflag.NewFlagSet("recover", pflag.ExitOnError)
	configPath := commonFlags(flags)
	path := flags.String("path", "", "filesystem path to recover (required)")
	flags.Parse(args)

	if *path == "" {
		flags.Usage()
		return fmt.Errorf("--path is required")
	}

	ctx, stop := signalContext()
	defer stop()

	sess, err := openSession(ctx, *configPath, denyConsent)
	if err != nil {
		return err
	}
	defer sess.close()

	recovered, err := sess.manager.Recover(ctx, *path)
	if err != nil {
		return err
	}
	if !recovered {
		return fmt.Errorf("no recoverable permission for %s", *path)
	}
	fmt.Printf("recovered permission for %s\n", *path)
	return nil
}

func runCheck(args []string) error {
	flags := pflag.NewFlagSet("check", pflag.ExitOnError)
	configPath := commonFlags(flags)
	path := flags.String("path", "", "filesystem path to check (required)")
	flags.Parse(args)

	if *path == "" {
		flags.Usage()
		return fmt.Errorf("--path is required")
	}

	ctx, stop := signalContext()
	defer stop()

	sess, err := openSession(ctx, *configPath, denyConsent)
	if err != nil {
		return err
	}
	defer sess.close()

	if !sess.manager.HasValid(ctx, *path) {
		return fmt.Errorf("no valid permission for %s", *path)
	}
	fmt.Printf("valid permission for %s\n", *path)
	return nil
}

func runRevoke(args []string) error {
	flags := pflag.NewFlagSet("revoke", pflag.ExitOnError)
	configPath := commonFlags(flags)
	path := flags.String("path", "", "filesystem path to revoke (required)")
	flags.Parse(args)

	if *path == "" {
		flags.Usage()
		return fmt.Errorf("--path is required")
	}

	ctx, stop := signalContext()
	defer stop()

	sess, err := openSession(ctx, *configPath, denyConsent)
	if err != nil {
		return err
	}
	defer sess.close()

	if err := sess.manager.Revoke(ctx, *path); err != nil {
		return err
	}
	fmt.Printf("revoked permission for %s\n", *path)
	return nil
}

func runList(args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ExitOnError)
	configPath := commonFlags(flags)
	flags.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	sess, err := openSession(ctx, *configPath, denyConsent)
	if err != nil {
		return err
	}
	defer sess.close()

	keys, err := sess.store.List(ctx, sess.group)
	if err != nil {
		return err
	}
	var paths []string
	for _, key := range keys {
		// Path records are keyed by absolute path; internal keys
		// (like the signing key) are not.
		if strings.HasPrefix(key, "/") {
			paths = append(paths, key)
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Println(path)
	}
	return nil
}

func runRestore(args []string) error {
	flags := pflag.NewFlagSet("restore", pflag.ExitOnError)
	configPath := commonFlags(flags)
	flags.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	sess, err := openSession(ctx, *configPath, denyConsent)
	if err != nil {
		return err
	}
	defer sess.close()

	report := sess.manager.RestoreAll(ctx)
	for _, path := range report.Restored {
		fmt.Printf("restored   %s\n", path)
	}
	for _, path := range report.Refreshed {
		fmt.Printf("refreshed  %s\n", path)
	}
	failed := make([]string, 0, len(report.Failed))
	for path := range report.Failed {
		failed = append(failed, path)
	}
	sort.Strings(failed)
	for _, path := range failed {
		fmt.Printf("failed     %s: %v\n", path, report.Failed[path])
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d permissions failed to restore",
			len(failed), len(report.Restored)+len(report.Refreshed)+len(failed))
	}
	return nil
}
