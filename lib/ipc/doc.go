// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR-encoded message types for the
// client↔helper Unix socket protocol. Both cmd/rbum-helper and the
// helper client import this package so the wire types are defined
// once rather than mirrored.
package ipc
