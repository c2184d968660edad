package feedback

// 分级阈值
const (
	PositiveThreshold = 0.7
	NeutralThreshold  = 0.4
)

// Rating 会话总结的分级
type Rating string

const (
	RatingPositive Rating = "positive"
	RatingNeutral  Rating = "neutral"
	RatingNegative Rating = "negative"
)

// Classify 按固定阈值对比例分级
func Classify(ratio float64) Rating {
	switch {
	case ratio >= PositiveThreshold:
		return RatingPositive
	case ratio >= NeutralThreshold:
		return RatingNeutral
	default:
		return RatingNegative
	}
}

// CategorySummary 单个类别的总结
type CategorySummary struct {
	Category     Category `json:"category"`
	Good         int      `json:"good"`
	Observations int      `json:"observations"`
	Ratio        float64  `json:"ratio"`
	Rating       Rating   `json:"rating"`
	Message      string   `json:"message"`
}

// Summary 会话结束总结
type Summary struct {
	Categories []CategorySummary `json:"categories"`
	Ratio      float64           `json:"ratio"`
	Overall    Rating            `json:"overall"`
	Message    string            `json:"message"`
}

// Category 按类别查找总结
func (s Summary) Category(c Category) (CategorySummary, bool) {
	for _, cs := range s.Categories {
		if cs.Category == c {
			return cs, true
		}
	}
	return CategorySummary{}, false
}

const noDataMessage = "Not enough data was collected for this category."

var cannedMessages = map[Category]map[Rating]string{
	CategoryEyeContact: {
		RatingPositive: "Great eye contact. You kept a steady connection with your audience.",
		RatingNeutral:  "Your eye contact was inconsistent. Try to look at the camera more often.",
		RatingNegative: "You rarely looked at the camera. Practice keeping your gaze on your audience.",
	},
	CategoryPosture: {
		RatingPositive: "Your posture was confident and upright throughout.",
		RatingNeutral:  "Your posture varied. Keep your shoulders back and stand straight.",
		RatingNegative: "Your posture needs work. Stand straight with shoulders back and avoid slouching.",
	},
	CategoryVoice: {
		RatingPositive: "Your voice was clear and well projected.",
		RatingNeutral:  "Your audio quality was uneven. Keep a steady volume and distance from the mic.",
		RatingNegative: "Your voice was hard to hear. Speak up and check your microphone setup.",
	},
	CategoryExpression: {
		RatingPositive: "Your facial expressions were engaging and positive.",
		RatingNeutral:  "Your expressions were mixed. Try to show more energy and warmth.",
		RatingNegative: "Your expressions came across as tense. Relax and smile when appropriate.",
	},
}

var overallMessages = map[Rating]string{
	RatingPositive: "Excellent session. Keep practicing to maintain this level.",
	RatingNeutral:  "Good effort. Focus on the categories marked for improvement.",
	RatingNegative: "This session needs improvement. Review the suggestions for each category and try again.",
}

// Summarize 由累计计数生成会话总结
//
// 总体比例为已观测类别比例的平均值；没有任何观测的类别标记为 neutral，
// 不参与平均。
func Summarize(t Tally) Summary {
	summary := Summary{Categories: make([]CategorySummary, 0, len(Categories()))}

	var sum float64
	var observed int
	for _, c := range Categories() {
		cnt := t.Get(c)
		cs := CategorySummary{
			Category:     c,
			Good:         cnt.Good,
			Observations: cnt.Total,
		}

		if cnt.Total == 0 {
			cs.Rating = RatingNeutral
			cs.Message = noDataMessage
		} else {
			cs.Ratio = cnt.Ratio()
			cs.Rating = Classify(cs.Ratio)
			cs.Message = cannedMessages[c][cs.Rating]
			sum += cs.Ratio
			observed++
		}

		summary.Categories = append(summary.Categories, cs)
	}

	if observed == 0 {
		summary.Overall = RatingNeutral
		summary.Message = noDataMessage
		return summary
	}

	summary.Ratio = sum / float64(observed)
	summary.Overall = Classify(summary.Ratio)
	summary.Message = overallMessages[summary.Overall]
	return summary
}
