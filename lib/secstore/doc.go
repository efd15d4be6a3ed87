// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// Package secstore implements the secure credential store that backs
// bookmark persistence: an opaque key-to-blob store namespaced by an
// access group, shareable between the main process and the privileged
// helper.
//
// The production implementation is FileStore. Each group is a
// directory under the store's base path; each entry is a single file
// whose name is a keyed BLAKE3 hash of the entry key, and whose
// content is an age-encrypted CBOR envelope carrying the key and the
// blob. Nothing about an entry is readable without the store
// identity: the filename does not reveal which path it protects, and
// the blob is never written in the clear. Writes are atomic (temp
// file, fsync, rename) so a crashed writer never leaves a partial
// entry for the helper process to read.
//
// Retrieve reports absence as (nil, false, nil), not as an error.
// Absence is a normal negative outcome throughout the permission
// core; only mechanism failures (unreadable directory, corrupt
// envelope, failed decryption) surface as StoreError.
package secstore
