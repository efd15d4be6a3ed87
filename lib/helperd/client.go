// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package helperd

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mpy-dev-ml/rbum/lib/codec"
	"github.com/mpy-dev-ml/rbum/lib/ipc"
)

// dialTimeout covers only the connect phase; the server's read and
// write deadlines bound the rest.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for a response
// after writing the request. Sized to the server's read timeout plus
// handler execution headroom.
const responseReadTimeout = 45 * time.Second

// maxResponseSize matches the server's request cap for symmetry.
const maxResponseSize = 1024 * 1024

// HelperError is returned by Call when the helper responds with
// ok=false. Kind is one of the stable ipc error prefixes.
type HelperError struct {
	Action  string
	Kind    string
	Message string
}

func (e *HelperError) Error() string {
	return fmt.Sprintf("helper error on %q: %s: %s", e.Action, e.Kind, e.Message)
}

// Client sends requests to a helper socket. Each Call opens a new
// connection, matching the server's one-request-per-connection model.
// The session token is injected into every request.
type Client struct {
	socketPath   string
	sessionToken []byte
}

// NewClient creates a client for the helper at socketPath. The
// session token is the secret handed out when the helper started.
func NewClient(socketPath string, sessionToken []byte) *Client {
	return &Client{socketPath: socketPath, sessionToken: sessionToken}
}

// Call sends the request and decodes the response. The client fills
// in the action and session token; the caller supplies resource
// tokens and the command spec. On an ok=false response Call returns a
// *HelperError carrying the server's error classification.
func (c *Client) Call(ctx context.Context, action string, request *ipc.Request) (*ipc.Response, error) {
	if request == nil {
		request = &ipc.Request{}
	}
	request.Action = action
	request.SessionToken = c.sessionToken

	response, err := c.send(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	if !response.OK {
		kind, message, found := strings.Cut(response.Error, ": ")
		if !found {
			kind, message = ipc.ErrorInternal, response.Error
		}
		return nil, &HelperError{Action: action, Kind: kind, Message: message}
	}
	return response, nil
}

// send connects, writes the request, and reads the response. Each
// call creates a new connection.
func (c *Client) send(ctx context.Context, request *ipc.Request) (*ipc.Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side so the server's read sees a clean
	// EOF. CBOR is self-delimiting, so this is courtesy, not
	// framing.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response ipc.Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
