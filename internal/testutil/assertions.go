package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PresentCoach/internal/transport"
)

// TestAssertions 测试断言助手
type TestAssertions struct {
	t *testing.T
}

// NewTestAssertions 创建测试断言助手
func NewTestAssertions(t *testing.T) *TestAssertions {
	return &TestAssertions{t: t}
}

// AssertConnected 断言通道已打开
func (ta *TestAssertions) AssertConnected(client *TestClient, wantSimulated bool) {
	require.True(ta.t, client.IsConnected(), "client not connected: state=%s", client.State())
	require.NotEmpty(ta.t, client.SessionID(), "session id not set")
	assert.Equal(ta.t, wantSimulated, client.IsSimulated())
	ta.t.Logf("✅ Connection assertion passed: state=%s", client.State())
}

// AssertFeedbackCount 断言反馈数量
func (ta *TestAssertions) AssertFeedbackCount(client *TestClient, expectedMin, expectedMax int) {
	count := len(client.GetFeedback())

	assert.GreaterOrEqual(ta.t, count, expectedMin, "Feedback count below minimum")
	assert.LessOrEqual(ta.t, count, expectedMax, "Feedback count above maximum")
	ta.t.Logf("✅ Feedback count assertion passed: %d events (range: %d-%d)", count, expectedMin, expectedMax)
}

// AssertReconnectAttempts 断言重连拨号次数
func (ta *TestAssertions) AssertReconnectAttempts(client *TestClient, expected int) {
	attempts := int(client.Stats().ReconnectAttempts)
	assert.Equal(ta.t, expected, attempts,
		"Unexpected reconnect attempts: expected %d, got %d", expected, attempts)
	ta.t.Logf("✅ Reconnect assertion passed: %d attempts", attempts)
}

// AssertDisconnected 断言客户端已断开且服务端无残留连接
func (ta *TestAssertions) AssertDisconnected(client *TestClient, server *TestServer) {
	assert.Equal(ta.t, transport.StateDisconnected, client.State())
	assert.False(ta.t, client.IsConnected())
	assert.Empty(ta.t, client.SessionID())
	server.WaitForConnections(0, DefaultTimeout)
	ta.t.Logf("✅ Disconnect assertion passed")
}
