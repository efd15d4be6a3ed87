// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// Package bookmark mints, resolves, and refreshes the opaque
// location-access tokens that persist a user's filesystem grants
// across process restarts.
//
// # Token format
//
// A token is raw bytes: a deterministic CBOR payload followed by a
// 64-byte Ed25519 signature over the payload. The split point is
// always len(token) - 64; no header, no framing. The payload records
// the canonical target path, the access scope, the target's file
// identity (device and inode) at mint time, a mint timestamp, and a
// unique token ID. No package other than this one constructs or
// parses token bytes; callers treat them as opaque blobs and shuttle
// them between the Manager, the credential store, and the helper IPC
// boundary.
//
// # Staleness
//
// Resolving stats the live target and compares its file identity with
// the identity recorded at mint time. A target that still resolves
// but whose identity changed (replaced file, restored directory,
// remounted volume) yields a stale handle: usable for the moment, but
// the caller must refresh the token before relying on it again. A
// target that cannot be resolved at all, or that denies access, fails
// resolution outright.
//
// # Cache
//
// The Manager owns the only in-process mutable state of the
// permission core: the active-grant cache mapping canonical paths to
// their current tokens. The cache is guarded by a reader/writer lock
// held only for map access, never across I/O. Cache mutation is the
// last step of a successful operation, so a timed-out or failed
// operation never leaves the cache partially updated. Shutdown clears
// the cache in its entirety; the process lifecycle owner calls it
// exactly once.
package bookmark
