package protocol

import (
	"encoding/json"
	"time"
)

// 指针字段用于区分"未提供"与"零值"，合并反馈时只覆盖实际提供的字段

// FeedbackEvent 服务端推送的 feedback.data
type FeedbackEvent struct {
	Emotion        *string         `json:"emotion,omitempty"`
	EyeContact     *string         `json:"eye_contact,omitempty"`
	Posture        *string         `json:"posture,omitempty"`
	AudioQuality   *string         `json:"audio_quality,omitempty"`
	Transcript     *string         `json:"transcript,omitempty"`
	GeminiFeedback *GeminiFeedback `json:"gemini_feedback,omitempty"`
	SpeechRate     *SpeechRate     `json:"speech_rate,omitempty"`
	FillerWords    *FillerWords    `json:"filler_words,omitempty"`
	Clarity        *Clarity        `json:"clarity,omitempty"`
	Sentiment      *Sentiment      `json:"sentiment,omitempty"`
	Keywords       *Keywords       `json:"keywords,omitempty"`
	Timestamp      *string         `json:"timestamp,omitempty"`

	// Raw 原始负载，解码时填充
	Raw json.RawMessage `json:"-"`
}

// GeminiFeedback 各类别的文字建议
type GeminiFeedback struct {
	PostureFeedback    *string `json:"posture_feedback,omitempty"`
	ExpressionFeedback *string `json:"expression_feedback,omitempty"`
	EyeContactFeedback *string `json:"eye_contact_feedback,omitempty"`
	VoiceFeedback      *string `json:"voice_feedback,omitempty"`
	OverallSuggestion  *string `json:"overall_suggestion,omitempty"`
}

// SpeechRate 语速
type SpeechRate struct {
	WPM        *float64 `json:"wpm,omitempty"`
	Assessment *string  `json:"assessment,omitempty"`
	Suggestion *string  `json:"suggestion,omitempty"`
}

// FillerWords 填充词统计
type FillerWords struct {
	Total      *int           `json:"total,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`
	Suggestion *string        `json:"suggestion,omitempty"`
}

// Clarity 清晰度
type Clarity struct {
	Score      *float64 `json:"score,omitempty"`
	Suggestion *string  `json:"suggestion,omitempty"`
}

// Sentiment 情感
type Sentiment struct {
	Label      *string  `json:"label,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Suggestion *string  `json:"suggestion,omitempty"`
}

// Keywords 关键词/话题
type Keywords struct {
	Topics  []string `json:"topics,omitempty"`
	Context *string  `json:"context,omitempty"`
}

// DecodeFeedback 解析feedback负载并保留原始数据
func DecodeFeedback(env *Envelope) (*FeedbackEvent, error) {
	var ev FeedbackEvent
	if err := env.DecodeData(&ev); err != nil {
		return nil, err
	}
	ev.Raw = append(json.RawMessage(nil), env.Data...)
	return &ev, nil
}

// ErrorPayload 服务端错误 error.data
type ErrorPayload struct {
	Error string `json:"error"`
}

// PongPayload 客户端心跳应答
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// StartSessionResponse POST /api/live/session/start 响应
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
}

// StopSessionResponse POST /api/live/session/{id}/stop 响应
type StopSessionResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// String 返回字符串指针，构造事件时使用
func String(s string) *string { return &s }

// Float 返回浮点指针
func Float(f float64) *float64 { return &f }

// Int 返回整数指针
func Int(i int) *int { return &i }
