package status

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func dialHealth(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	require.NoError(t, s.ServeAsync(lis))

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

// TestServer_ServingStatus tests status transitions seen by a client
func TestServer_ServingStatus(t *testing.T) {
	s, err := NewServer(DefaultConfig(), nil)
	require.NoError(t, err)
	defer s.Stop()
	client := dialHealth(t, s)
	ctx := context.Background()
	req := &healthpb.HealthCheckRequest{Service: ServiceName}

	resp, err := client.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	s.SetServing(true)
	resp, err = client.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	s.SetServing(false)
	resp, err = client.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

// TestServer_ServeTwice tests that a server only serves once
func TestServer_ServeTwice(t *testing.T) {
	s, err := NewServer(DefaultConfig(), nil)
	require.NoError(t, err)
	defer s.Stop()
	require.NoError(t, s.ServeAsync(bufconn.Listen(1024)))
	assert.Error(t, s.ServeAsync(bufconn.Listen(1024)))
	assert.NotEmpty(t, s.Address())
}

// TestConfig_Validate tests configuration validation
func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MaxRecvMsgSize: 1}.Validate())
	assert.Error(t, Config{Address: "nope", MaxRecvMsgSize: 1}.Validate())
	assert.Error(t, Config{Address: "127.0.0.1:1"}.Validate())
}
