// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Digest is the SHA256 digest of an executable. Configuration files
// and logs carry digests in their canonical lowercase hex form.
type Digest [sha256.Size]byte

// String returns the canonical hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses a hex-encoded SHA256 digest. The input must be
// exactly 64 hex characters.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing executable digest: %w", err)
	}
	if len(decoded) != sha256.Size {
		return digest, fmt.Errorf("executable digest is %d bytes, want %d", len(decoded), sha256.Size)
	}
	copy(digest[:], decoded)
	return digest, nil
}

// HashExecutable computes the digest of the executable backing the
// process with the given pid, read through /proc/<pid>/exe. The link
// stays valid even if the binary on disk has since been replaced or
// unlinked, so the digest reflects the code that is actually running.
func HashExecutable(pid int32) (Digest, error) {
	return hashFile(fmt.Sprintf("/proc/%d/exe", pid))
}

func hashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}
