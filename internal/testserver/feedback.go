package testserver

import (
	"fmt"
	"time"

	"PresentCoach/internal/protocol"
)

// FeedbackFunc 根据第n个（从1开始）上行消息生成反馈，返回nil表示不回复
type FeedbackFunc func(n uint64) *protocol.FeedbackEvent

var (
	scriptEmotions   = []string{"neutral", "happy", "confident", "sad"}
	scriptEyeContact = []string{"yes", "yes", "limited", "no"}
	scriptPosture    = []string{"good", "good", "slouching", "poor"}
	scriptQuality    = []string{"good", "excellent", "moderate", "low"}
)

// DefaultFrameFeedback 视频帧的脚本化反馈，按固定序列轮换
func DefaultFrameFeedback(n uint64) *protocol.FeedbackEvent {
	i := int((n - 1) % uint64(len(scriptEmotions)))

	ev := &protocol.FeedbackEvent{
		Emotion:    protocol.String(scriptEmotions[i]),
		EyeContact: protocol.String(scriptEyeContact[i]),
		Posture:    protocol.String(scriptPosture[i]),
		Timestamp:  protocol.String(time.Now().UTC().Format(time.RFC3339Nano)),
	}

	// 每四帧附带一次文字建议
	if i == 0 {
		ev.GeminiFeedback = &protocol.GeminiFeedback{
			PostureFeedback:    protocol.String("Keep your shoulders relaxed and back straight."),
			ExpressionFeedback: protocol.String("A natural smile helps you look confident."),
			EyeContactFeedback: protocol.String("Look at the camera when making key points."),
			OverallSuggestion:  protocol.String("Good start. Keep a steady pace and engage your audience."),
		}
	}
	return ev
}

// DefaultAudioFeedback 音频片段的脚本化反馈：转写和语音指标
func DefaultAudioFeedback(n uint64) *protocol.FeedbackEvent {
	i := int((n - 1) % uint64(len(scriptQuality)))

	return &protocol.FeedbackEvent{
		AudioQuality: protocol.String(scriptQuality[i]),
		Transcript:   protocol.String(fmt.Sprintf("Transcribed audio segment %d", n)),
		GeminiFeedback: &protocol.GeminiFeedback{
			VoiceFeedback: protocol.String("Speak clearly and project your voice."),
		},
		SpeechRate: &protocol.SpeechRate{
			WPM:        protocol.Float(110 + float64(i)*10),
			Assessment: protocol.String("optimal"),
			Suggestion: protocol.String("Your speaking pace is ideal for clear communication."),
		},
		FillerWords: &protocol.FillerWords{
			Total:      protocol.Int(i),
			Counts:     map[string]int{"um": i},
			Suggestion: protocol.String("Try to reduce filler words by pausing briefly instead."),
		},
		Clarity: &protocol.Clarity{
			Score:      protocol.Float(90 - float64(i)),
			Suggestion: protocol.String("Your speech is well articulated."),
		},
		Sentiment: &protocol.Sentiment{
			Label: protocol.String("Neutral"),
			Score: protocol.Float(0.5),
		},
		Timestamp: protocol.String(time.Now().UTC().Format(time.RFC3339Nano)),
	}
}
