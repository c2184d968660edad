package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"PresentCoach/internal/protocol"
	"PresentCoach/internal/transport"
)

// TestClient 传输会话包装器，收集收到的消息和状态变化
type TestClient struct {
	*transport.Session
	t *testing.T

	mu           sync.RWMutex
	feedback     []*protocol.FeedbackEvent
	errors       []string
	stateChanges []StateChange
	lost         []error
}

// StateChange 状态变化
type StateChange struct {
	OldState  transport.State
	NewState  transport.State
	Timestamp time.Time
}

// FastTransportConfig 适合测试的短间隔配置
func FastTransportConfig(baseURL string) *transport.Config {
	cfg := transport.DefaultConfig(baseURL)
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.MaxReconnectInterval = 40 * time.Millisecond
	cfg.SimulationInterval = 20 * time.Millisecond
	return cfg
}

// NewTestClient 创建测试客户端
func NewTestClient(t *testing.T, baseURL string, customizer func(*transport.Config)) *TestClient {
	cfg := FastTransportConfig(baseURL)
	if customizer != nil {
		customizer(cfg)
	}

	tc := &TestClient{
		Session: transport.New(cfg),
		t:       t,
	}
	tc.setupHandlers()
	t.Cleanup(tc.Cleanup)
	return tc
}

// setupHandlers 设置各种处理器
func (tc *TestClient) setupHandlers() {
	tc.RegisterHandler(protocol.TypeFeedback, func(env *protocol.Envelope) {
		ev, err := protocol.DecodeFeedback(env)
		if err != nil {
			tc.t.Logf("❌ Bad feedback payload: %v", err)
			return
		}
		tc.mu.Lock()
		tc.feedback = append(tc.feedback, ev)
		tc.mu.Unlock()
	})

	tc.RegisterHandler(protocol.TypeError, func(env *protocol.Envelope) {
		var payload protocol.ErrorPayload
		if err := env.DecodeData(&payload); err != nil {
			return
		}
		tc.mu.Lock()
		tc.errors = append(tc.errors, payload.Error)
		tc.mu.Unlock()
		tc.t.Logf("📥 Server error: %s", payload.Error)
	})

	tc.SetStateChangeHandler(func(oldState, newState transport.State) {
		tc.mu.Lock()
		tc.stateChanges = append(tc.stateChanges, StateChange{
			OldState:  oldState,
			NewState:  newState,
			Timestamp: time.Now(),
		})
		tc.mu.Unlock()
		tc.t.Logf("🔄 State change: %s -> %s", oldState, newState)
	})

	tc.SetConnectionLostHandler(func(err error) {
		tc.mu.Lock()
		tc.lost = append(tc.lost, err)
		tc.mu.Unlock()
		tc.t.Logf("🔌 Connection lost: %v", err)
	})
}

// ConnectAndWait 连接并记录结果
func (tc *TestClient) ConnectAndWait() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	if err := tc.Connect(ctx); err != nil {
		tc.t.Logf("❌ Client connection failed: %v", err)
		return err
	}

	tc.t.Logf("✅ Client connected: session=%s simulated=%t", tc.SessionID(), tc.IsSimulated())
	return nil
}

// WaitForFeedback 等待收到指定数量的反馈
func (tc *TestClient) WaitForFeedback(expectedCount int, timeout time.Duration) ([]*protocol.FeedbackEvent, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if events := tc.GetFeedback(); len(events) >= expectedCount {
			return events, nil
		}
		time.Sleep(10 * time.Millisecond)
	}

	return nil, fmt.Errorf("timeout waiting for feedback: expected %d, got %d", expectedCount, len(tc.GetFeedback()))
}

// WaitForState 等待进入指定状态
func (tc *TestClient) WaitForState(state transport.State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if tc.State() == state {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for state %s, current %s", state, tc.State())
}

// GetFeedback 获取收到的反馈
func (tc *TestClient) GetFeedback() []*protocol.FeedbackEvent {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	events := make([]*protocol.FeedbackEvent, len(tc.feedback))
	copy(events, tc.feedback)
	return events
}

// GetErrors 获取收到的服务端错误
func (tc *TestClient) GetErrors() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	errs := make([]string, len(tc.errors))
	copy(errs, tc.errors)
	return errs
}

// GetStateChanges 获取状态变化
func (tc *TestClient) GetStateChanges() []StateChange {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	changes := make([]StateChange, len(tc.stateChanges))
	copy(changes, tc.stateChanges)
	return changes
}

// GetLostErrors 获取连接丢失通知
func (tc *TestClient) GetLostErrors() []error {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	errs := make([]error, len(tc.lost))
	copy(errs, tc.lost)
	return errs
}

// CountTransitions 统计进入某状态的次数
func (tc *TestClient) CountTransitions(to transport.State) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	count := 0
	for _, change := range tc.stateChanges {
		if change.NewState == to {
			count++
		}
	}
	return count
}

// Cleanup 清理资源
func (tc *TestClient) Cleanup() {
	if tc.Session != nil {
		tc.Session.Close()
		tc.t.Logf("🧹 Client cleanup completed")
	}
}
