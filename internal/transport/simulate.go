package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"PresentCoach/internal/protocol"
)

// MockSessionPrefix 模拟模式会话ID前缀
const MockSessionPrefix = "mock-session-"

// startSimulation 服务端不可用时切换到模拟模式
func (s *Session) startSimulation(gen uint64, cause error) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrConnectAborted
	}
	s.sessionID = MockSessionPrefix + uuid.NewString()
	s.simulated = true
	sessionID := s.sessionID
	life := s.life
	old, changed := s.swapState(StateSimulated)
	s.mu.Unlock()

	s.notify(old, StateSimulated, changed)
	slog.Warn("transport: server unavailable, switching to simulated mode",
		"session_id", sessionID,
		"error", cause,
	)

	go s.simulateLoop(life)
	return nil
}

// simulateLoop 按固定间隔产生模拟反馈
func (s *Session) simulateLoop(life context.Context) {
	ticker := time.NewTicker(s.cfg.SimulationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-life.Done():
			return
		case now := <-ticker.C:
			if life.Err() != nil {
				return
			}

			data, err := json.Marshal(SimulatedFeedback(now))
			if err != nil {
				slog.Error("transport: marshal simulated feedback failed", "error", err)
				continue
			}

			s.simulatedEvents.Add(1)
			s.dispatch(&protocol.Envelope{Type: protocol.TypeFeedback, Data: data})
		}
	}
}

// SimulatedFeedback 模拟模式下的反馈内容
func SimulatedFeedback(at time.Time) *protocol.FeedbackEvent {
	return &protocol.FeedbackEvent{
		Emotion:    protocol.String("neutral"),
		EyeContact: protocol.String("yes"),
		Transcript: protocol.String("Mock transcript data"),
		GeminiFeedback: &protocol.GeminiFeedback{
			PostureFeedback:    protocol.String("Stand straight with shoulders back."),
			ExpressionFeedback: protocol.String("Try to vary your expressions to engage your audience."),
			EyeContactFeedback: protocol.String("Maintain consistent eye contact with the camera."),
			VoiceFeedback:      protocol.String("Speak clearly and project your voice."),
			OverallSuggestion:  protocol.String("Practice speaking with more energy and expression."),
		},
		Timestamp: protocol.String(at.UTC().Format(time.RFC3339Nano)),
	}
}
