// Package transport presents one request/response contract over the four
// supported wire protocols: stdio framing, HTTP, WebSocket, and gRPC.
//
// Each protocol is a separate variant implementing Transport; the rest of the
// codebase never branches on protocol. Adding a protocol means adding a
// variant here.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/getfleetd/fleetd/pkg/config"
)

// Per-call transport errors. They are returned to the caller as-is and are
// not interpreted as health failures; only the health monitor's repeated
// probe failures feed restart decisions.
var (
	// ErrUnavailable means the instance is not accepting traffic.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrTimeout means the call exceeded the definition's deadline.
	ErrTimeout = errors.New("transport timeout")

	// ErrProtocol means the child produced a malformed response.
	ErrProtocol = errors.New("protocol error")
)

// Transport is the uniform capability set over all protocols.
type Transport interface {
	// Invoke sends one operation with a JSON payload and returns the
	// correlated result. The context bounds the call.
	Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error)

	// IsReady reports whether the instance is accepting traffic, using a
	// protocol-appropriate lightweight check.
	IsReady(ctx context.Context) bool

	// Close tears the transport down and fails any pending calls with
	// ErrUnavailable.
	Close() error
}

// Options carries the protocol-independent dial parameters.
type Options struct {
	// Stdin and Stdout are the child's pipes, required for stdio.
	Stdin  io.WriteCloser
	Stdout io.Reader

	// OnDisconnect fires when a persistent connection drops unexpectedly
	// (WebSocket only).
	OnDisconnect func(error)

	Log *slog.Logger
}

// New dials the transport variant matching the definition's protocol.
func New(ctx context.Context, def *config.ServerDefinition, opts Options) (Transport, error) {
	switch def.Protocol {
	case config.ProtocolStdio:
		if opts.Stdin == nil || opts.Stdout == nil {
			return nil, errors.New("stdio transport requires the child's pipes")
		}
		return NewStdio(opts.Stdin, opts.Stdout, opts.Log), nil
	case config.ProtocolHTTP:
		return NewHTTP("http://"+def.Addr(), def.Timeout()), nil
	case config.ProtocolWebSocket:
		return NewWebSocket(ctx, "ws://"+def.Addr()+"/ws", def.Timeout(), opts.OnDisconnect, opts.Log)
	case config.ProtocolRPC:
		return NewGRPC(def.Addr(), def.Timeout())
	default:
		return nil, errors.New("unknown protocol: " + string(def.Protocol))
	}
}
