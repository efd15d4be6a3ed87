// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

// Actions the helper accepts. Unknown actions are rejected before
// resource tokens are resolved.
const (
	// ActionExecute runs a command against validated resources.
	ActionExecute = "execute"

	// ActionStatus reports the helper's identity and health. Status
	// still requires a valid caller and session, but carries no
	// resource tokens.
	ActionStatus = "status"
)

// Error classification prefixes carried in Response.Error, separated
// from the message text by ": ". Stable so that clients can branch on
// the failure class without parsing free text.
const (
	ErrorSecurity   = "security"
	ErrorSession    = "session"
	ErrorResource   = "resource"
	ErrorTimeout    = "timeout"
	ErrorBadRequest = "bad-request"
	ErrorInternal   = "internal"
)

// Request is a CBOR-encoded request from a client to the helper, sent
// over the helper's Unix socket. Every request carries the session
// token; raw filesystem paths never appear in a request, only signed
// resource tokens.
type Request struct {
	// Action is the request type: "execute" or "status".
	Action string `cbor:"action"`

	// SessionToken authenticates the request against the session
	// secret established at helper startup. Compared in constant
	// time; a mismatch rejects the request before any resource
	// token is resolved.
	SessionToken []byte `cbor:"session_token"`

	// ResourceTokens are the signed bookmark tokens for every
	// resource the action touches. Validation is all-or-nothing:
	// one bad token fails the whole request.
	ResourceTokens [][]byte `cbor:"resource_tokens,omitempty"`

	// Command is the command to run (for "execute").
	Command *CommandSpec `cbor:"command,omitempty"`
}

// CommandSpec describes the subprocess an "execute" request runs. The
// working directory must be covered by one of the request's resource
// tokens; the helper rejects specs whose directory falls outside the
// validated set.
type CommandSpec struct {
	// Command is the program to run.
	Command string `cbor:"command"`

	// Args are the program arguments, excluding the program name.
	Args []string `cbor:"args,omitempty"`

	// WorkingDirectory is where the process runs. Matched against
	// the validated resource handles, never trusted as given.
	WorkingDirectory string `cbor:"working_directory,omitempty"`

	// TimeoutSeconds bounds the subprocess. Zero means the helper's
	// configured default. On expiry the helper kills the process
	// group, not just the direct child.
	TimeoutSeconds int64 `cbor:"timeout_seconds,omitempty"`
}

// Response is a CBOR-encoded response from the helper.
type Response struct {
	// OK indicates whether the request succeeded.
	OK bool `cbor:"ok"`

	// Error contains the error message if OK is false. Validation
	// failures use stable prefixes ("security", "session",
	// "resource", "timeout") so clients can classify them without
	// parsing free text.
	Error string `cbor:"error,omitempty"`

	// Stdout is the captured standard output (for "execute").
	Stdout []byte `cbor:"stdout,omitempty"`

	// Stderr is the captured standard error (for "execute").
	Stderr []byte `cbor:"stderr,omitempty"`

	// ExitCode is the subprocess exit code (for "execute"). A
	// pointer so that exit code 0 is distinguishable from a response
	// that carries no exit code at all.
	ExitCode *int `cbor:"exit_code,omitempty"`

	// BinaryDigest is the SHA256 hex digest of the helper's own
	// executable, returned by "status" so clients can verify which
	// helper build is running.
	BinaryDigest string `cbor:"binary_digest,omitempty"`
}
