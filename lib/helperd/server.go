// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package helperd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mpy-dev-ml/rbum/lib/bookmark"
	"github.com/mpy-dev-ml/rbum/lib/codec"
	"github.com/mpy-dev-ml/rbum/lib/ipc"
	"github.com/mpy-dev-ml/rbum/lib/trust"
)

// Handler processes one validated request. The handles are the
// resolved resource handles for the request's tokens, in token order;
// the server releases them after the handler returns. The returned
// response's OK field is set by the server.
type Handler func(ctx context.Context, request *ipc.Request, handles []*bookmark.Handle) (*ipc.Response, error)

// readTimeout is how long the server waits for the client's request.
// A well-behaved client sends it immediately after connecting.
const readTimeout = 30 * time.Second

// writeTimeout is how long the server waits for the response write.
const writeTimeout = 10 * time.Second

// maxRequestSize caps a single CBOR request. Requests carry tokens
// and a command spec, never file contents, so 1 MB is generous.
const maxRequestSize = 1024 * 1024

// Server serves the helper protocol on a Unix socket. Actions are
// registered with Handle before calling Serve; unknown actions are
// rejected after the session check, before token resolution.
type Server struct {
	socketPath string
	validator  *trust.Validator
	handlers   map[string]Handler
	logger     *slog.Logger

	// activeConnections tracks in-flight handlers for graceful
	// shutdown. Serve waits for all of them before returning.
	activeConnections sync.WaitGroup
}

// NewServer creates a server that will listen on socketPath, gating
// every request through validator.
func NewServer(socketPath string, validator *trust.Validator, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		validator:  validator,
		handlers:   make(map[string]Handler),
		logger:     logger,
	}
}

// Handle registers a handler for the given action name. Panics on a
// duplicate registration.
func (s *Server) Handle(action string, handler Handler) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("helperd.Server: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve accepts connections until ctx is cancelled, then stops
// accepting and waits for active handlers to complete. Any stale
// socket file at the path is removed before listening; the socket
// file is removed again on return. The socket is created with mode
// 0600 so only the owning user can even attempt a connection.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting socket %s: %w", s.socketPath, err)
	}

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("helper listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection processes one request-response cycle: caller
// identity, then request decode, then session, then resource tokens,
// then the action handler.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		s.writeError(conn, ipc.ErrorSecurity, "not a unix socket connection")
		return
	}
	pid, err := s.validator.ValidateCaller(unixConn)
	if err != nil {
		s.writeError(conn, classify(err), err.Error())
		return
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// CBOR is self-delimiting so no framing is needed. LimitReader
	// keeps a hostile client from exhausting memory.
	var request ipc.Request
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&request); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeError(conn, ipc.ErrorBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if err := s.validator.ValidateSession(request.SessionToken); err != nil {
		s.logger.Warn("session validation failed", "pid", pid, "action", request.Action)
		s.writeError(conn, classify(err), err.Error())
		return
	}

	if request.Action == "" {
		s.writeError(conn, ipc.ErrorBadRequest, "missing required field: action")
		return
	}
	handler, exists := s.handlers[request.Action]
	if !exists {
		s.writeError(conn, ipc.ErrorBadRequest, fmt.Sprintf("unknown action %q", request.Action))
		return
	}

	tokens := make([]bookmark.Token, len(request.ResourceTokens))
	for i, raw := range request.ResourceTokens {
		tokens[i] = bookmark.TokenFromBytes(raw)
	}
	handles, err := s.validator.ValidateResourceTokens(ctx, tokens)
	if err != nil {
		s.logger.Warn("resource validation failed", "pid", pid, "action", request.Action)
		s.writeError(conn, classify(err), err.Error())
		return
	}
	defer s.validator.ReleaseAll(handles)

	response, err := handler(ctx, &request, handles)
	if err != nil {
		s.logger.Debug("action failed", "action", request.Action, "pid", pid, "error", err)
		s.writeError(conn, classify(err), err.Error())
		return
	}
	if response == nil {
		response = &ipc.Response{}
	}
	response.OK = true

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// writeError sends a failure response with a classified message.
// Write failures are logged at debug level; the connection is closing
// regardless.
func (s *Server) writeError(conn net.Conn, kind, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(ipc.Response{
		OK:    false,
		Error: kind + ": " + message,
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// classify maps validation and execution errors to the stable error
// prefixes of the wire protocol.
func classify(err error) string {
	switch {
	case errors.Is(err, trust.ErrSecurityValidation):
		return ipc.ErrorSecurity
	case errors.Is(err, trust.ErrAuditSessionInvalid):
		return ipc.ErrorSession
	case errors.Is(err, trust.ErrResourceValidation):
		return ipc.ErrorResource
	case errors.Is(err, bookmark.ErrOperationTimeout):
		return ipc.ErrorTimeout
	default:
		return ipc.ErrorInternal
	}
}
