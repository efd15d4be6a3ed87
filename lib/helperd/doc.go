// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// Package helperd implements the privileged helper's Unix socket
// protocol: a CBOR request-response server with a trust-validation
// gate in front of every action, and the matching client.
//
// Each connection handles exactly one request-response cycle. Before
// an action handler runs, the server validates the caller's process
// identity, the request's session token, and every attached resource
// token, in that order. Handlers receive the already-resolved
// handles and never see raw paths or unvalidated tokens; the server
// releases the handles when the handler returns.
package helperd
