// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used throughout rbum:
// bookmark token payloads, credential store envelopes, and the helper
// IPC protocol. Encoding is configured for Core Deterministic Encoding
// so the same logical value always produces identical bytes. Signed
// token payloads depend on that byte stability: verification re-checks
// the exact bytes that were signed.
package codec
