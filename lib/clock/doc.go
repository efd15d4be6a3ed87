// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and advance time explicitly.
//
// The bookmark and trust packages race their I/O against an operation
// timeout taken from a Clock. With a fake clock a test can force the
// timeout branch deterministically, without sleeping, which is how the
// timeout-indeterminacy properties are verified.
package clock
