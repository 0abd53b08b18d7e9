package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// GRPC invokes unary methods on a managed server's gRPC endpoint. Operations
// map to methods on the fleetd.v1.Server service, with requests and
// responses carried as raw JSON so no per-server descriptors are needed.
type GRPC struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// rawJSONCodec passes JSON bytes through the gRPC wire format unchanged.
type rawJSONCodec struct{}

func (rawJSONCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("rawJSONCodec: unexpected type %T", v)
	}
	return *b, nil
}

func (rawJSONCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawJSONCodec: unexpected type %T", v)
	}
	*b = data
	return nil
}

func (rawJSONCodec) Name() string { return "json" }

// NewGRPC opens a client connection to addr. The connection is lazy, so
// creation succeeds even if the instance is not yet accepting.
func NewGRPC(addr string, timeout time.Duration) (*GRPC, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &GRPC{conn: conn, timeout: timeout}, nil
}

// Invoke calls /fleetd.v1.Server/{op} with the payload as the request body.
func (t *GRPC) Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	in := []byte(payload)
	if in == nil {
		in = []byte("{}")
	}
	var out []byte
	err := t.conn.Invoke(ctx, "/fleetd.v1.Server/"+op, &in, &out, grpc.ForceCodec(rawJSONCodec{}))
	if err != nil {
		return nil, mapGRPCError(err)
	}
	return out, nil
}

// IsReady runs a standard gRPC health check against the instance.
func (t *GRPC) IsReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(t.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return false
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}

// Close tears down the client connection.
func (t *GRPC) Close() error {
	return t.conn.Close()
}

func mapGRPCError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return ErrTimeout
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", ErrProtocol, st.Code(), st.Message())
	}
}
