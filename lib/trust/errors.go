// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import "errors"

// Errors returned by validation checks. Each stage of validation has
// its own sentinel so callers (and audit logs) can tell which gate
// rejected a request without parsing message text.
var (
	// ErrSecurityValidation reports that the calling process could
	// not be identified, or that its executable digest is not in the
	// expected set.
	ErrSecurityValidation = errors.New("trust: caller failed security validation")

	// ErrAuditSessionInvalid reports a session token that does not
	// match the secret established for this connection.
	ErrAuditSessionInvalid = errors.New("trust: audit session invalid")

	// ErrResourceValidation reports that at least one resource token
	// in a request failed to resolve. No handles from the batch
	// remain held.
	ErrResourceValidation = errors.New("trust: resource token validation failed")
)
