package feedback

import (
	"encoding/json"
	"time"

	"PresentCoach/internal/protocol"
)

// Status 派生的定性状态
type Status string

const (
	StatusPositive Status = "positive"
	StatusWarning  Status = "warning"
	StatusNegative Status = "negative"
)

// Category 会话总结追踪的类别
type Category string

const (
	CategoryEyeContact Category = "eye_contact"
	CategoryPosture    Category = "posture"
	CategoryVoice      Category = "voice"
	CategoryExpression Category = "expression"
)

// Categories 按总结顺序返回全部类别
func Categories() []Category {
	return []Category{
		CategoryEyeContact,
		CategoryPosture,
		CategoryVoice,
		CategoryExpression,
	}
}

// Observation 原始观测值及其派生状态，Raw为空表示尚未观测
type Observation struct {
	Raw    string `json:"raw,omitempty"`
	Status Status `json:"status,omitempty"`
}

// Observed 是否已有观测值
func (o Observation) Observed() bool {
	return o.Raw != ""
}

// Feedback 会话累计反馈
//
// 合并时不会修改已有值：指针指向的数据、Counts、Topics、Raw 在写入后只读，
// 因此历史快照可以共享它们。
type Feedback struct {
	SpeechRate  protocol.SpeechRate     `json:"speech_rate"`
	FillerWords protocol.FillerWords    `json:"filler_words"`
	Clarity     protocol.Clarity        `json:"clarity"`
	Sentiment   protocol.Sentiment      `json:"sentiment"`
	Keywords    protocol.Keywords       `json:"keywords"`
	EyeContact  Observation             `json:"eye_contact"`
	Posture     Observation             `json:"posture"`
	Voice       Observation             `json:"voice"`
	Expression  Observation             `json:"expression"`
	Transcript  *string                 `json:"transcript,omitempty"`
	Suggestions protocol.GeminiFeedback `json:"suggestions"`

	// Raw 最近一次服务端负载的原样拷贝
	Raw json.RawMessage `json:"raw,omitempty"`

	Tally     Tally     `json:"tally"`
	Updates   int       `json:"updates"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Observation 按类别取观测值
func (f *Feedback) Observation(c Category) Observation {
	switch c {
	case CategoryEyeContact:
		return f.EyeContact
	case CategoryPosture:
		return f.Posture
	case CategoryVoice:
		return f.Voice
	case CategoryExpression:
		return f.Expression
	default:
		return Observation{}
	}
}

// Count 单个类别的观测计数
type Count struct {
	Good  int `json:"good"`
	Total int `json:"total"`
}

// Ratio 良好观测比例，无观测时为0
func (c Count) Ratio() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Good) / float64(c.Total)
}

// Tally 会话内各类别的累计计数，只增不减
type Tally struct {
	EyeContact Count `json:"eye_contact"`
	Posture    Count `json:"posture"`
	Voice      Count `json:"voice"`
	Expression Count `json:"expression"`
}

// Get 按类别取计数
func (t Tally) Get(c Category) Count {
	switch c {
	case CategoryEyeContact:
		return t.EyeContact
	case CategoryPosture:
		return t.Posture
	case CategoryVoice:
		return t.Voice
	case CategoryExpression:
		return t.Expression
	default:
		return Count{}
	}
}

// Add 合并两份计数（满足交换律）
func (t Tally) Add(o Tally) Tally {
	return Tally{
		EyeContact: addCount(t.EyeContact, o.EyeContact),
		Posture:    addCount(t.Posture, o.Posture),
		Voice:      addCount(t.Voice, o.Voice),
		Expression: addCount(t.Expression, o.Expression),
	}
}

// observe 记录一次观测
func (t *Tally) observe(c Category, s Status) {
	var cnt *Count
	switch c {
	case CategoryEyeContact:
		cnt = &t.EyeContact
	case CategoryPosture:
		cnt = &t.Posture
	case CategoryVoice:
		cnt = &t.Voice
	case CategoryExpression:
		cnt = &t.Expression
	default:
		return
	}

	cnt.Total++
	if s == StatusPositive {
		cnt.Good++
	}
}

func addCount(a, b Count) Count {
	return Count{Good: a.Good + b.Good, Total: a.Total + b.Total}
}
