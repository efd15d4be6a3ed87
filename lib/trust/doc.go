// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust gates entry into privileged helper operations.
//
// Every privileged request passes three checks, in order:
//
//  1. Caller identity: the peer process on the Unix socket is
//     identified via SO_PEERCRED, and the SHA256 digest of its
//     executable (read through /proc/<pid>/exe) must appear in the
//     validator's expected digest set.
//  2. Session: the request's session token must match, in constant
//     time, the session secret established when the connection was
//     accepted.
//  3. Resource tokens: every resource token attached to the request
//     must resolve through the bookmark manager. The batch is
//     all-or-nothing: one bad token fails the request and releases
//     every handle already acquired for it.
//
// Checks are ordered cheapest-first so an unidentified caller never
// reaches token resolution. A validated action then runs under Guard,
// which enforces a hard wall-clock timeout and cancels the action's
// context on expiry.
//
// SO_PEERCRED reports the credentials at connect time; the pid can in
// principle be reused before the executable is hashed. The expected
// digest set closes that gap for the threat model here: an attacker
// able to win that race still has to present a binary whose digest is
// in the set.
package trust
