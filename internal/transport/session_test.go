package transport_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PresentCoach/internal/protocol"
	"PresentCoach/internal/testserver"
	"PresentCoach/internal/testutil"
	"PresentCoach/internal/transport"
)

const testFrame = "data:image/jpeg;base64,/9j/4AAQSkZJRg=="

// TestConnectAndDisconnect 测试连接后断开不留下任何打开的通道
func TestConnectAndDisconnect(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	require.NoError(t, client.ConnectAndWait())

	ta := testutil.NewTestAssertions(t)
	ta.AssertConnected(client, false)
	assert.Equal(t, transport.StateConnected, client.State())
	server.WaitForConnections(1, testutil.DefaultTimeout)

	sessionID := client.SessionID()
	assert.Equal(t, "active", server.SessionStatus(sessionID))

	require.NoError(t, client.Disconnect(context.Background()))
	ta.AssertDisconnected(client, server)
	assert.Equal(t, "stopped", server.SessionStatus(sessionID))

	// 重复断开无副作用
	require.NoError(t, client.Disconnect(context.Background()))
	assert.Equal(t, uint64(1), server.GetStats().SessionsStopped)
}

// TestFeedbackRoundTrip 测试帧和音频各得到一条反馈
func TestFeedbackRoundTrip(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	require.NoError(t, client.ConnectAndWait())

	require.NoError(t, client.SendVideoFrame(testFrame))
	events, err := client.WaitForFeedback(1, testutil.DefaultTimeout)
	require.NoError(t, err)
	require.NotNil(t, events[0].EyeContact)
	assert.Equal(t, "yes", *events[0].EyeContact)
	assert.NotEmpty(t, events[0].Raw)

	require.NoError(t, client.SendAudioChunk(protocol.EncodeDataURI("audio/webm", []byte{1, 2, 3})))
	events, err = client.WaitForFeedback(2, testutil.DefaultTimeout)
	require.NoError(t, err)
	require.NotNil(t, events[1].Transcript)
	assert.Contains(t, *events[1].Transcript, "segment 1")

	stats := client.Stats()
	assert.Equal(t, uint64(2), stats.MessagesSent)
	assert.GreaterOrEqual(t, stats.MessagesReceived, uint64(2))
	assert.Equal(t, uint64(1), server.GetStats().FramesReceived)
	assert.Equal(t, uint64(1), server.GetStats().AudioReceived)
}

// TestServerErrorDispatched 测试服务端error消息分发到处理器
func TestServerErrorDispatched(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	require.NoError(t, client.ConnectAndWait())

	// 绕过客户端校验发送非法帧
	require.NoError(t, client.Send(protocol.TypeVideoFrame, "not-an-image"))

	require.Eventually(t, func() bool {
		return len(client.GetErrors()) == 1
	}, testutil.DefaultTimeout, 10*time.Millisecond)
	assert.Equal(t, "invalid video frame", client.GetErrors()[0])
	assert.True(t, client.IsConnected())
}

// TestSendValidation 测试发送前校验和未连接时丢弃
func TestSendValidation(t *testing.T) {
	client := testutil.NewTestClient(t, "http://127.0.0.1:1", nil)

	assert.ErrorIs(t, client.SendVideoFrame("data:audio/webm;base64,AAAA"), transport.ErrInvalidFrame)
	assert.ErrorIs(t, client.SendAudioChunk(""), transport.ErrEmptyAudio)
	assert.ErrorIs(t, client.SendVideoFrame(testFrame), transport.ErrNotConnected)
	assert.ErrorIs(t, client.Send(protocol.TypeFeedback, nil), protocol.ErrUnknownType)

	assert.Equal(t, uint64(1), client.Stats().MessagesDropped)
}

// TestPingAnsweredWithPong 测试自动回复服务端ping
func TestPingAnsweredWithPong(t *testing.T) {
	server := testutil.NewTestServerWithConfig(t, func(cfg *testserver.ServerConfig) {
		cfg.PingInterval = 20 * time.Millisecond
	})
	server.Start()

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	require.NoError(t, client.ConnectAndWait())

	require.Eventually(t, func() bool {
		return server.GetStats().PongsReceived >= 2
	}, testutil.DefaultTimeout, 10*time.Millisecond)
	assert.Empty(t, client.GetFeedback())
}

// TestSimulatedFallback 测试引导失败时切换到模拟模式
func TestSimulatedFallback(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()
	server.SetFailBootstrap(true)

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	require.NoError(t, client.ConnectAndWait())

	testutil.NewTestAssertions(t).AssertConnected(client, true)
	assert.Equal(t, transport.StateSimulated, client.State())
	assert.True(t, strings.HasPrefix(client.SessionID(), transport.MockSessionPrefix))

	events, err := client.WaitForFeedback(2, testutil.DefaultTimeout)
	require.NoError(t, err)
	require.NotNil(t, events[0].GeminiFeedback)
	require.NotNil(t, events[0].Timestamp)
	assert.Equal(t, "neutral", *events[0].Emotion)

	// 上行消息被接受并丢弃
	require.NoError(t, client.SendVideoFrame(testFrame))
	assert.Equal(t, uint64(1), client.Stats().MessagesDiscarded)
	assert.Zero(t, server.GetStats().FramesReceived)

	require.NoError(t, client.Disconnect(context.Background()))
	assert.Zero(t, server.GetStats().SessionsStopped, "stop endpoint is not called in simulated mode")
	assert.False(t, client.IsSimulated())

	// 断开后不再产生模拟反馈
	time.Sleep(30 * time.Millisecond)
	count := len(client.GetFeedback())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, count, len(client.GetFeedback()))
}

// TestSimulatedFallbackUnreachable 测试服务端不可达时切换到模拟模式
func TestSimulatedFallbackUnreachable(t *testing.T) {
	client := testutil.NewTestClient(t, "http://127.0.0.1:1", nil)
	require.NoError(t, client.ConnectAndWait())
	assert.True(t, client.IsSimulated())
	assert.True(t, client.IsConnected())
}

// TestBootstrapFailureWithoutSimulation 测试关闭模拟时引导失败返回错误
func TestBootstrapFailureWithoutSimulation(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()
	server.SetFailBootstrap(true)

	client := testutil.NewTestClient(t, server.GetHTTPURL(), func(cfg *transport.Config) {
		cfg.EnableSimulation = false
	})

	err := client.ConnectAndWait()
	require.Error(t, err)

	var connErr *transport.ConnectError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "bootstrap", connErr.Stage)
	assert.Equal(t, transport.StateDisconnected, client.State())
	assert.False(t, client.IsConnected())
}

// TestDialFailureAfterBootstrap 测试引导成功但拨号失败
func TestDialFailureAfterBootstrap(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()
	server.SetRejectUpgrades(true)

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)

	err := client.ConnectAndWait()
	var connErr *transport.ConnectError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "dial", connErr.Stage)
	assert.NotEmpty(t, connErr.SessionID)
	assert.False(t, client.IsSimulated())
	assert.Equal(t, transport.StateDisconnected, client.State())

	// 会话保留到下一次连接，连接前先通知服务端停止
	assert.Equal(t, connErr.SessionID, client.SessionID())
	server.SetRejectUpgrades(false)
	require.NoError(t, client.ConnectAndWait())
	assert.NotEqual(t, connErr.SessionID, client.SessionID())
	assert.Equal(t, "stopped", server.SessionStatus(connErr.SessionID))
}

// connectAsync 在后台连接，返回结果通道
func connectAsync(client *testutil.TestClient) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- client.Connect(context.Background())
	}()
	return done
}

func waitConnectResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testutil.DefaultTimeout):
		t.Fatal("connect did not return after disconnect")
		return nil
	}
}

// TestDisconnectDuringBootstrap 测试连接途中立即断开不会留下通道或连接中状态
func TestDisconnectDuringBootstrap(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()
	server.SetBootstrapDelay(300 * time.Millisecond)

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	done := connectAsync(client)

	require.Eventually(t, client.IsConnecting, testutil.DefaultTimeout, time.Millisecond)
	require.NoError(t, client.Disconnect(context.Background()))

	if err := waitConnectResult(t, done); err != nil {
		assert.ErrorIs(t, err, transport.ErrConnectAborted)
	}
	assert.False(t, client.IsConnecting())
	assert.NotEqual(t, transport.StateConnected, client.State())
	assert.False(t, client.IsSimulated(), "aborted bootstrap must not fall back to simulation")
	server.WaitForConnections(0, testutil.DefaultTimeout)

	// 被放弃的引导之后也不会再拨号
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, transport.StateDisconnected, client.State())
	assert.Zero(t, server.GetStats().UpgradeAttempts)
	assert.Zero(t, server.ConnectionCount())
}

// TestDisconnectDuringDialStopsSession 测试拨号途中断开仍通知服务端停止会话
func TestDisconnectDuringDialStopsSession(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()
	server.SetUpgradeDelay(300 * time.Millisecond)

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	done := connectAsync(client)

	require.Eventually(t, func() bool {
		return server.GetStats().UpgradeAttempts == 1
	}, testutil.DefaultTimeout, time.Millisecond)
	assert.True(t, client.IsConnecting())
	sessionID := client.SessionID()
	require.NotEmpty(t, sessionID, "session id is recorded before the dial")

	require.NoError(t, client.Disconnect(context.Background()))
	assert.ErrorIs(t, waitConnectResult(t, done), transport.ErrConnectAborted)

	assert.Equal(t, "stopped", server.SessionStatus(sessionID))
	assert.Equal(t, uint64(1), server.GetStats().SessionsStopped)
	assert.False(t, client.IsConnecting())
	assert.Equal(t, transport.StateDisconnected, client.State())
	assert.Empty(t, client.SessionID())
	server.WaitForConnections(0, testutil.DefaultTimeout)
}

// TestBoundedReconnect 测试重连次数有上限：4次重拨后第5次异常关闭不再重连
func TestBoundedReconnect(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	require.NoError(t, client.ConnectAndWait())
	sessionID := client.SessionID()

	// 之后的每次重连拨号都失败，计为一次新的异常关闭
	server.SetRejectUpgrades(true)
	server.DropAll()

	require.Eventually(t, func() bool {
		return len(client.GetLostErrors()) == 1
	}, testutil.DefaultTimeout, 10*time.Millisecond)

	ta := testutil.NewTestAssertions(t)
	ta.AssertReconnectAttempts(client, 4)
	assert.Equal(t, uint64(4), server.GetStats().UpgradesRejected)
	assert.Equal(t, transport.StateDisconnected, client.State())
	assert.Equal(t, 1, client.CountTransitions(transport.StateReconnecting), "failed re-dials stay in RECONNECTING")

	// 不再有新的尝试
	time.Sleep(200 * time.Millisecond)
	ta.AssertReconnectAttempts(client, 4)
	assert.Len(t, client.GetLostErrors(), 1)

	// 会话ID保留，直到显式断开
	assert.Equal(t, sessionID, client.SessionID())
	assert.ErrorIs(t, client.SendVideoFrame(testFrame), transport.ErrNotConnected)
}

// TestSingleAttemptGivesUpOnFirstClose 测试上限为1时第一次异常关闭即放弃
func TestSingleAttemptGivesUpOnFirstClose(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	client := testutil.NewTestClient(t, server.GetHTTPURL(), func(cfg *transport.Config) {
		cfg.MaxReconnectAttempts = 1
	})
	require.NoError(t, client.ConnectAndWait())

	server.DropAll()
	require.Eventually(t, func() bool {
		return len(client.GetLostErrors()) == 1
	}, testutil.DefaultTimeout, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	testutil.NewTestAssertions(t).AssertReconnectAttempts(client, 0)
	assert.Zero(t, client.CountTransitions(transport.StateReconnecting))
	assert.Equal(t, transport.StateDisconnected, client.State())
	assert.Equal(t, uint64(1), server.GetStats().UpgradeAttempts)
}

// TestReconnectResetsCounter 测试重连成功后计数清零并沿用同一会话
func TestReconnectResetsCounter(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	require.NoError(t, client.ConnectAndWait())
	sessionID := client.SessionID()

	for round := 1; round <= 3; round++ {
		server.DropAll()

		require.Eventually(t, func() bool {
			return client.Stats().Reconnects == uint64(round)
		}, testutil.DefaultTimeout, 10*time.Millisecond, "round %d", round)

		require.NoError(t, client.WaitForState(transport.StateConnected, testutil.DefaultTimeout))
		assert.Zero(t, client.PendingReconnects())
		assert.Equal(t, sessionID, client.SessionID())
		server.WaitForConnections(1, testutil.DefaultTimeout)
	}

	assert.Equal(t, uint64(1), server.GetStats().SessionsStarted, "reconnect reuses the session")
	assert.Empty(t, client.GetLostErrors())

	require.NoError(t, client.SendVideoFrame(testFrame))
	_, err := client.WaitForFeedback(1, testutil.DefaultTimeout)
	require.NoError(t, err)
}

// TestNormalCloseDoesNotReconnect 测试正常关闭不触发重连
func TestNormalCloseDoesNotReconnect(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	require.NoError(t, client.ConnectAndWait())

	server.ForceDisconnectAll()
	require.NoError(t, client.WaitForState(transport.StateDisconnected, testutil.DefaultTimeout))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, client.Stats().ReconnectAttempts)
	assert.Empty(t, client.GetLostErrors())
}

// TestConnectTearsDownExisting 测试重复连接先断开旧通道
func TestConnectTearsDownExisting(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	client := testutil.NewTestClient(t, server.GetHTTPURL(), nil)
	require.NoError(t, client.ConnectAndWait())
	first := client.SessionID()

	require.NoError(t, client.ConnectAndWait())
	second := client.SessionID()

	assert.NotEqual(t, first, second)
	assert.Equal(t, "stopped", server.SessionStatus(first))
	server.WaitForConnections(1, testutil.DefaultTimeout)
}

// TestClosedSessionRejectsConnect 测试关闭后不能再连接
func TestClosedSessionRejectsConnect(t *testing.T) {
	client := testutil.NewTestClient(t, "http://127.0.0.1:1", nil)
	require.NoError(t, client.Close())
	assert.Equal(t, transport.StateClosed, client.State())
	assert.ErrorIs(t, client.Connect(context.Background()), transport.ErrClosed)
}

// TestWebSocketURL 测试通道地址推导
func TestWebSocketURL(t *testing.T) {
	cases := []struct {
		base, want string
	}{
		{"http://127.0.0.1:8000", "ws://127.0.0.1:8000/api/live/ws/abc"},
		{"http://127.0.0.1:8000/", "ws://127.0.0.1:8000/api/live/ws/abc"},
		{"https://coach.example.com", "wss://coach.example.com/api/live/ws/abc"},
		{"https://coach.example.com/backend", "wss://coach.example.com/backend/api/live/ws/abc"},
	}

	for _, tc := range cases {
		got, err := transport.WebSocketURL(tc.base, "abc")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.base)
	}

	_, err := transport.WebSocketURL("ftp://host", "abc")
	assert.Error(t, err)
}
