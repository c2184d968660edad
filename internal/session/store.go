package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"PresentCoach/internal/feedback"
	"PresentCoach/internal/protocol"
)

var (
	ErrInvalidStatus  = errors.New("invalid session status")
	ErrTerminalStatus = errors.New("session status is terminal until reset")
	ErrSessionIDSet   = errors.New("session id already set for this attempt")
	ErrEmptySessionID = errors.New("session id cannot be empty")
	ErrNilFeedback    = errors.New("feedback event cannot be nil")
)

// Store 会话状态的唯一来源，所有变更都通过具名操作完成
//
// 订阅回调按变更顺序串行执行，回调内可以读取 Snapshot，但不能同步调用变更操作。
type Store struct {
	mu    sync.RWMutex
	state State

	// 保证通知顺序与变更顺序一致
	dispatchMu  sync.Mutex
	subscribers map[uint64]func(State)
	nextSubID   uint64

	now func() time.Time
}

// NewStore 创建状态存储
func NewStore() *Store {
	return &Store{
		state:       InitialState(),
		subscribers: make(map[uint64]func(State)),
		now:         time.Now,
	}
}

// Snapshot 获取当前状态拷贝
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Subscribe 订阅状态变化，返回取消函数
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// SetStatus 直接设置状态，stopped/error 只能通过 ResetSession 回到 idle
func (s *Store) SetStatus(status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.update(func(st *State) error {
		if st.Status.Terminal() && !status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrTerminalStatus, st.Status, status)
		}
		st.Status = status
		return nil
	})
}

// SetConnection 设置连接标志
func (s *Store) SetConnection(connected bool) {
	s.update(func(st *State) error {
		st.IsConnected = connected
		return nil
	})
}

// SetLoading 设置加载标志
func (s *Store) SetLoading(loading bool) {
	s.update(func(st *State) error {
		st.IsLoading = loading
		return nil
	})
}

// SetError 设置错误，非空时强制进入 error 状态
func (s *Store) SetError(msg string) {
	s.update(func(st *State) error {
		st.Error = msg
		if msg != "" {
			st.Status = StatusError
		}
		return nil
	})
}

// SetNotice 设置非致命提示，不影响状态
func (s *Store) SetNotice(msg string) {
	s.update(func(st *State) error {
		st.Notice = msg
		return nil
	})
}

// SetSessionID 每次尝试只能设置一次
func (s *Store) SetSessionID(id string) error {
	if id == "" {
		return ErrEmptySessionID
	}
	return s.update(func(st *State) error {
		if st.SessionID != "" {
			return fmt.Errorf("%w: %s", ErrSessionIDSet, st.SessionID)
		}
		st.SessionID = id
		return nil
	})
}

// UpdateFeedback 合并一次反馈并追加历史
func (s *Store) UpdateFeedback(ev *protocol.FeedbackEvent) error {
	if ev == nil {
		return ErrNilFeedback
	}
	return s.update(func(st *State) error {
		at := s.now()
		merged := feedback.Merge(st.Feedback, ev, at)
		st.Feedback = merged
		st.History = append(st.History, HistoryEntry{Timestamp: at, Snapshot: merged})
		return nil
	})
}

// ResetSession 恢复到初始状态
func (s *Store) ResetSession() {
	s.update(func(st *State) error {
		*st = InitialState()
		return nil
	})
}

// Summary 按累计计数生成会话总结
func (s *Store) Summary() feedback.Summary {
	s.mu.RLock()
	var tally feedback.Tally
	if s.state.Feedback != nil {
		tally = s.state.Feedback.Tally
	}
	s.mu.RUnlock()

	return feedback.Summarize(tally)
}

// update 在锁内修改状态，成功后按顺序通知订阅者
func (s *Store) update(mutate func(*State) error) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if err := mutate(&s.state); err != nil {
		s.mu.Unlock()
		slog.Debug("Session state update rejected", "error", err)
		return err
	}
	snapshot := s.state.clone()
	subscribers := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(snapshot)
	}
	return nil
}
