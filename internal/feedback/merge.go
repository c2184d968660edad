package feedback

import (
	"encoding/json"
	"strings"
	"time"

	"PresentCoach/internal/protocol"
)

// Merge 将一条反馈事件合并到累计反馈中，返回新值，prev 不会被修改
//
// 只覆盖事件实际提供的字段；派生状态由最新原始值重新计算；计数只增不减。
func Merge(prev *Feedback, ev *protocol.FeedbackEvent, at time.Time) *Feedback {
	var next Feedback
	if prev != nil {
		next = *prev
	}
	if ev == nil {
		return &next
	}

	next.SpeechRate = mergeSpeechRate(next.SpeechRate, ev.SpeechRate)
	next.FillerWords = mergeFillerWords(next.FillerWords, ev.FillerWords)
	next.Clarity = mergeClarity(next.Clarity, ev.Clarity)
	next.Sentiment = mergeSentiment(next.Sentiment, ev.Sentiment)
	next.Keywords = mergeKeywords(next.Keywords, ev.Keywords)
	next.Suggestions = mergeSuggestions(next.Suggestions, ev.GeminiFeedback)

	if ev.Transcript != nil {
		next.Transcript = ev.Transcript
	}

	if ev.EyeContact != nil {
		next.EyeContact = observe(&next.Tally, CategoryEyeContact, next.EyeContact, *ev.EyeContact)
	}
	if ev.Posture != nil {
		next.Posture = observe(&next.Tally, CategoryPosture, next.Posture, *ev.Posture)
	}
	if ev.AudioQuality != nil {
		next.Voice = observe(&next.Tally, CategoryVoice, next.Voice, *ev.AudioQuality)
	}
	if ev.Emotion != nil {
		next.Expression = observe(&next.Tally, CategoryExpression, next.Expression, *ev.Emotion)
	}

	if len(ev.Raw) > 0 {
		next.Raw = append(json.RawMessage(nil), ev.Raw...)
	} else if raw, err := json.Marshal(ev); err == nil {
		next.Raw = raw
	}

	next.Updates++
	next.UpdatedAt = at

	return &next
}

// observe 记录观测并返回带派生状态的新观测值，空字符串视为未提供
func observe(t *Tally, c Category, cur Observation, raw string) Observation {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return cur
	}

	status := Derive(c, raw)
	t.observe(c, status)
	return Observation{Raw: raw, Status: status}
}

// Derive 由原始值计算类别的定性状态
func Derive(c Category, raw string) Status {
	raw = strings.ToLower(strings.TrimSpace(raw))

	switch c {
	case CategoryEyeContact:
		switch raw {
		case "yes":
			return StatusPositive
		case "limited":
			return StatusWarning
		default:
			return StatusNegative
		}
	case CategoryPosture:
		switch raw {
		case "good":
			return StatusPositive
		case "poor":
			return StatusNegative
		default:
			return StatusWarning
		}
	case CategoryVoice:
		switch raw {
		case "excellent", "good":
			return StatusPositive
		case "moderate":
			return StatusWarning
		default: // low, none, too_loud
			return StatusNegative
		}
	case CategoryExpression:
		switch raw {
		case "happy", "neutral", "calm", "confident", "surprise", "surprised":
			return StatusPositive
		case "sad", "angry", "fear", "disgust":
			return StatusNegative
		default:
			return StatusWarning
		}
	default:
		return StatusWarning
	}
}

func mergeSpeechRate(cur protocol.SpeechRate, in *protocol.SpeechRate) protocol.SpeechRate {
	if in == nil {
		return cur
	}
	if in.WPM != nil {
		cur.WPM = in.WPM
	}
	if in.Assessment != nil {
		cur.Assessment = in.Assessment
	}
	if in.Suggestion != nil {
		cur.Suggestion = in.Suggestion
	}
	return cur
}

func mergeFillerWords(cur protocol.FillerWords, in *protocol.FillerWords) protocol.FillerWords {
	if in == nil {
		return cur
	}
	if in.Total != nil {
		cur.Total = in.Total
	}
	if in.Suggestion != nil {
		cur.Suggestion = in.Suggestion
	}
	if in.Counts != nil {
		counts := make(map[string]int, len(cur.Counts)+len(in.Counts))
		for w, n := range cur.Counts {
			counts[w] = n
		}
		for w, n := range in.Counts {
			counts[w] = n
		}
		cur.Counts = counts
	}
	return cur
}

func mergeClarity(cur protocol.Clarity, in *protocol.Clarity) protocol.Clarity {
	if in == nil {
		return cur
	}
	if in.Score != nil {
		cur.Score = in.Score
	}
	if in.Suggestion != nil {
		cur.Suggestion = in.Suggestion
	}
	return cur
}

func mergeSentiment(cur protocol.Sentiment, in *protocol.Sentiment) protocol.Sentiment {
	if in == nil {
		return cur
	}
	if in.Label != nil {
		cur.Label = in.Label
	}
	if in.Score != nil {
		cur.Score = in.Score
	}
	if in.Suggestion != nil {
		cur.Suggestion = in.Suggestion
	}
	return cur
}

func mergeKeywords(cur protocol.Keywords, in *protocol.Keywords) protocol.Keywords {
	if in == nil {
		return cur
	}
	if in.Topics != nil {
		topics := make([]string, len(in.Topics))
		copy(topics, in.Topics)
		cur.Topics = topics
	}
	if in.Context != nil {
		cur.Context = in.Context
	}
	return cur
}

func mergeSuggestions(cur protocol.GeminiFeedback, in *protocol.GeminiFeedback) protocol.GeminiFeedback {
	if in == nil {
		return cur
	}
	if in.PostureFeedback != nil {
		cur.PostureFeedback = in.PostureFeedback
	}
	if in.ExpressionFeedback != nil {
		cur.ExpressionFeedback = in.ExpressionFeedback
	}
	if in.EyeContactFeedback != nil {
		cur.EyeContactFeedback = in.EyeContactFeedback
	}
	if in.VoiceFeedback != nil {
		cur.VoiceFeedback = in.VoiceFeedback
	}
	if in.OverallSuggestion != nil {
		cur.OverallSuggestion = in.OverallSuggestion
	}
	return cur
}
