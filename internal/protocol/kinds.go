package protocol

// EventKind 电话媒体流事件类型
type EventKind string

// 电话侧事件类型定义
const (
	EventConnected EventKind = "connected"
	EventStart     EventKind = "start"
	EventMedia     EventKind = "media"
	EventStop      EventKind = "stop"
	EventMark      EventKind = "mark"
	EventDTMF      EventKind = "dtmf"
	EventClear     EventKind = "clear"
)

// 语音代理控制消息类型
const (
	TypeSettings             = "Settings"
	TypeWelcome              = "Welcome"
	TypeSettingsApplied      = "SettingsApplied"
	TypeConversationText     = "ConversationText"
	TypeUserStartedSpeaking  = "UserStartedSpeaking"
	TypeAgentThinking        = "AgentThinking"
	TypeAgentStartedSpeaking = "AgentStartedSpeaking"
	TypeAgentAudioDone       = "AgentAudioDone"
	TypeFunctionCallRequest  = "FunctionCallRequest"
	TypeFunctionCallResponse = "FunctionCallResponse"
	TypeKeepAlive            = "KeepAlive"
	TypeWarning              = "Warning"
	TypeError                = "Error"
)

// IsKnownEvent 检查电话侧事件类型是否已知
func IsKnownEvent(kind EventKind) bool {
	switch kind {
	case EventConnected, EventStart, EventMedia, EventStop,
		EventMark, EventDTMF, EventClear:
		return true
	default:
		return false
	}
}

// IsInformational 判断代理消息是否只需记录日志
func IsInformational(msgType string) bool {
	switch msgType {
	case TypeWelcome, TypeSettingsApplied, TypeConversationText,
		TypeAgentThinking, TypeAgentStartedSpeaking, TypeAgentAudioDone,
		TypeWarning:
		return true
	default:
		return false
	}
}
