// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// Package permission orchestrates the grant lifecycle: obtaining user
// consent, minting and persisting bookmark tokens, recovering them
// after a restart, and revoking them. It composes the bookmark
// manager and the credential store and defines the externally
// observable permission states.
//
// # State machine
//
// Per path, reconstructable from the persisted record plus the grant
// cache (never stored as a literal field):
//
//	NoPermission → Requested → Granted → (Stale → Refreshing → Granted) | Revoked
//
// Consent denial and an absent record are normal negative outcomes,
// reported as false rather than errors. Failures during an explicit
// request, after the user just granted consent, surface as errors:
// silently losing a freshly granted permission is a user-visible
// defect. Failures during recovery instead clean up: the record is
// already known-bad, so it is deleted and the caller sees a plain
// "no permission".
//
// # Recovery strictness
//
// A stored token that resolves to a different canonical path than it
// was persisted under is a security-relevant failure, not a transient
// one: continuing to honor it would grant access to the wrong
// physical resource. Recovery deletes such records unconditionally.
//
// # Concurrency
//
// Operations on different paths are fully independent. Concurrent
// Recover and Revoke on the same path are not arbitrated here; the
// grant cache's internal lock prevents data races on the mapping, but
// callers that need request/recover/revoke ordering on one path must
// serialize those calls themselves.
package permission
