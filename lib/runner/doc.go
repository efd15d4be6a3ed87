// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner executes subprocesses against validated resource
// handles. It is the only place helper code turns a resource grant
// into an actual process: callers hand it resolved bookmark handles,
// never raw paths, and the runner checks that the working directory
// is covered by one of them before anything starts.
//
// Every process runs in its own process group. On timeout or context
// cancellation the whole group is killed, so children spawned by the
// command cannot outlive it holding inherited descriptors.
package runner
