package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// 最大消息大小限制（一帧JPEG加上base64膨胀）
const MaxEnvelopeSize = 4 * 1024 * 1024

var (
	ErrEmptyEnvelope    = errors.New("empty envelope")
	ErrEnvelopeTooLarge = errors.New("envelope too large")
	ErrUnknownType      = errors.New("unknown message type")
	ErrInvalidEnvelope  = errors.New("invalid envelope format")
)

// Envelope 通道上的统一消息信封 {type, data}
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope 将消息类型和负载序列化为JSON信封
func EncodeEnvelope(msgType MessageType, payload any) ([]byte, error) {
	if !msgType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}

	env := Envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload failed: %w", msgType, err)
		}
		env.Data = data
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope failed: %w", err)
	}

	if len(raw) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(raw))
	}

	return raw, nil
}

// DecodeEnvelope 从原始数据中解码信封，不解析data
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyEnvelope
	}

	if len(raw) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(raw))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if !env.Type.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	return &env, nil
}

// DecodeData 将信封中的data解析到目标结构
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return fmt.Errorf("%w: %s has no data", ErrInvalidEnvelope, e.Type)
	}

	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data failed: %w", e.Type, err)
	}

	return nil
}

// DecodeString 将data解析为字符串（视频帧、音频片段）
func (e *Envelope) DecodeString() (string, error) {
	var s string
	if err := e.DecodeData(&s); err != nil {
		return "", err
	}
	return s, nil
}
