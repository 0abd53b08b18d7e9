package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startGRPCServer(t *testing.T, serving bool) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := health.NewServer()
	if serving {
		hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	} else {
		hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	grpc_health_v1.RegisterHealthServer(srv, hs)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGRPCIsReady(t *testing.T) {
	addr := startGRPCServer(t, true)
	tr, err := NewGRPC(addr, 5*time.Second)
	require.NoError(t, err)
	defer tr.Close()

	assert.True(t, tr.IsReady(context.Background()))
}

func TestGRPCNotServing(t *testing.T) {
	addr := startGRPCServer(t, false)
	tr, err := NewGRPC(addr, 5*time.Second)
	require.NoError(t, err)
	defer tr.Close()

	assert.False(t, tr.IsReady(context.Background()))
}

func TestGRPCInvokeUnknownService(t *testing.T) {
	addr := startGRPCServer(t, true)
	tr, err := NewGRPC(addr, 5*time.Second)
	require.NoError(t, err)
	defer tr.Close()

	// The server does not implement fleetd.v1.Server, so the call lands as
	// a protocol error rather than unavailability.
	_, err = tr.Invoke(context.Background(), "Query", []byte(`{"q":1}`))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestRawJSONCodec(t *testing.T) {
	codec := rawJSONCodec{}

	in := []byte(`{"a":1}`)
	data, err := codec.Marshal(&in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	var out []byte
	require.NoError(t, codec.Unmarshal([]byte(`{"b":2}`), &out))
	assert.Equal(t, `{"b":2}`, string(out))

	_, err = codec.Marshal("not a byte slice pointer")
	assert.Error(t, err)
	assert.Error(t, codec.Unmarshal(nil, 42))
}

func TestMapGRPCError(t *testing.T) {
	assert.ErrorIs(t, mapGRPCError(context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, mapGRPCError(status.Error(codes.DeadlineExceeded, "late")), ErrTimeout)
	assert.ErrorIs(t, mapGRPCError(status.Error(codes.Unavailable, "down")), ErrUnavailable)
	assert.ErrorIs(t, mapGRPCError(status.Error(codes.InvalidArgument, "bad")), ErrProtocol)
}
