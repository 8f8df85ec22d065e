package grpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

// TestHealthServerStatus 测试健康状态切换
func TestHealthServerStatus(t *testing.T) {
	srv := NewHealthServer("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ServiceName))

	srv.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))

	srv.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ""))

	assert.NoError(t, srv.Stop())
}

// TestHealthServerStopWithoutStart 测试未启动时关闭
func TestHealthServerStopWithoutStart(t *testing.T) {
	srv := NewHealthServer("127.0.0.1:0", zerolog.Nop())
	assert.NoError(t, srv.Stop())
	assert.Equal(t, "127.0.0.1:0", srv.Addr())
}
