package session

import (
	"slices"
	"time"

	"PresentCoach/internal/feedback"
)

// Status 会话状态
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// Valid 是否为已知状态
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRecording, StatusStopped, StatusError:
		return true
	}
	return false
}

// Terminal 停止和出错在重置前不再变化
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// HistoryEntry 每次合并后的反馈快照
type HistoryEntry struct {
	Timestamp time.Time          `json:"timestamp"`
	Snapshot  *feedback.Feedback `json:"feedback"`
}

// State 会话状态快照
type State struct {
	SessionID   string             `json:"session_id"`
	Status      Status             `json:"status"`
	IsConnected bool               `json:"is_connected"`
	IsLoading   bool               `json:"is_loading"`
	Feedback    *feedback.Feedback `json:"feedback"`
	History     []HistoryEntry     `json:"history"`
	Error       string             `json:"error,omitempty"`
	Notice      string             `json:"notice,omitempty"`
}

// InitialState 初始空状态
func InitialState() State {
	return State{Status: StatusIdle}
}

// clone 复制历史切片，反馈值本身只读可共享
func (s State) clone() State {
	s.History = slices.Clone(s.History)
	return s
}
