package protocol

// MessageType 实时通道消息类型
type MessageType string

// 消息类型定义 - 与服务端 /api/live/ws 约定一致
const (
	// 客户端上行
	TypeVideoFrame MessageType = "video_frame"
	TypeAudioChunk MessageType = "audio_chunk"
	TypePong       MessageType = "pong"

	// 服务端下行
	TypeFeedback MessageType = "feedback"
	TypeError    MessageType = "error"
	TypePing     MessageType = "ping"
)

// String 实现字符串接口
func (t MessageType) String() string {
	return string(t)
}

// IsValid 检查消息类型是否有效
func (t MessageType) IsValid() bool {
	switch t {
	case TypeVideoFrame, TypeAudioChunk, TypeFeedback,
		TypeError, TypePing, TypePong:
		return true
	default:
		return false
	}
}

// IsOutbound 判断是否为客户端发送的消息类型
func (t MessageType) IsOutbound() bool {
	switch t {
	case TypeVideoFrame, TypeAudioChunk, TypePong:
		return true
	default:
		return false
	}
}

// IsInbound 判断是否为服务端推送的消息类型
func (t MessageType) IsInbound() bool {
	switch t {
	case TypeFeedback, TypeError, TypePing:
		return true
	default:
		return false
	}
}

// AllMessageTypes 返回全部消息类型，用于调试和测试
func AllMessageTypes() []MessageType {
	return []MessageType{
		TypeVideoFrame,
		TypeAudioChunk,
		TypeFeedback,
		TypeError,
		TypePing,
		TypePong,
	}
}
