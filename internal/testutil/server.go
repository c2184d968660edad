package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"PresentCoach/internal/testserver"
)

// DefaultTimeout 测试中等待异步结果的默认时间
const DefaultTimeout = 5 * time.Second

// TestServer 开发后端包装器，监听随机端口
type TestServer struct {
	*testserver.Server
	t *testing.T
}

// NewTestServer 创建测试服务器
func NewTestServer(t *testing.T) *TestServer {
	return NewTestServerWithConfig(t, nil)
}

// NewTestServerWithConfig 使用自定义配置创建测试服务器
func NewTestServerWithConfig(t *testing.T, customizer func(*testserver.ServerConfig)) *TestServer {
	serverConfig := testserver.DefaultServerConfig("127.0.0.1:0")
	if customizer != nil {
		customizer(serverConfig)
	}

	return &TestServer{
		Server: testserver.New(serverConfig),
		t:      t,
	}
}

// Start 启动测试服务器，测试结束时自动停止
func (ts *TestServer) Start() {
	err := ts.Server.Start()
	require.NoError(ts.t, err, "Failed to start test server")

	ts.t.Cleanup(ts.Stop)
	ts.t.Logf("✅ Test server started on %s", ts.Addr())
}

// Stop 停止测试服务器
func (ts *TestServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	if err := ts.Server.Shutdown(ctx); err != nil {
		ts.t.Logf("⚠️  Test server shutdown error: %v", err)
		return
	}
	ts.t.Logf("🛑 Test server stopped")
}

// GetHTTPURL 获取HTTP URL
func (ts *TestServer) GetHTTPURL() string {
	return ts.BaseURL()
}

// GetWebSocketURL 获取会话通道URL
func (ts *TestServer) GetWebSocketURL(sessionID string) string {
	return fmt.Sprintf("ws://%s/api/live/ws/%s", strings.TrimPrefix(ts.BaseURL(), "http://"), sessionID)
}

// WaitForConnections 等待当前连接数达到期望值
func (ts *TestServer) WaitForConnections(expected int, timeout time.Duration) {
	require.Eventually(ts.t, func() bool {
		return ts.ConnectionCount() == expected
	}, timeout, 10*time.Millisecond,
		"expected %d open connections, got %d", expected, ts.ConnectionCount())
}
