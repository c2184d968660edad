package transport

// State 通道连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSimulated // 服务端不可用，本地模拟反馈
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateSimulated:
		return "SIMULATED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Open 通道是否可用（真实或模拟）
func (s State) Open() bool {
	return s == StateConnected || s == StateSimulated
}
