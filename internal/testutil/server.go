package testutil

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"VoiceCallRelay/internal/testserver"
)

// MockAgent 挂在httptest上的模拟语音代理
type MockAgent struct {
	*testserver.Server
	HTTP *httptest.Server
	URL  string
	t    *testing.T
}

// NewMockAgent 启动模拟代理，测试结束时自动关闭
func NewMockAgent(t *testing.T, configure func(cfg *testserver.ServerConfig)) *MockAgent {
	t.Helper()

	cfg := testserver.DefaultServerConfig("")
	if configure != nil {
		configure(cfg)
	}

	srv := testserver.New(cfg, zerolog.Nop())
	httpSrv := httptest.NewServer(srv.Handler())

	ma := &MockAgent{
		Server: srv,
		HTTP:   httpSrv,
		URL:    WebSocketURL(httpSrv.URL, cfg.Path),
		t:      t,
	}
	t.Cleanup(ma.Stop)
	return ma
}

// NextConnection 等待中继建立的下一条代理连接
func (ma *MockAgent) NextConnection(timeout time.Duration) *testserver.Connection {
	ma.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := ma.Accepted(ctx)
	require.NoError(ma.t, err, "agent connection not established")
	return conn
}

// Stop 关闭模拟代理
func (ma *MockAgent) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ma.Server.Shutdown(ctx)
	ma.HTTP.Close()
}
