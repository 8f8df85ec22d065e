package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmptyEvent        = errors.New("event field missing")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrBadPayload        = errors.New("media payload is not valid base64")
	ErrMissingStartField = errors.New("start event missing required field")
)

// InboundEvent 电话侧入站事件
type InboundEvent interface {
	Kind() EventKind
}

// ConnectedEvent 连接建立事件
type ConnectedEvent struct {
	Protocol string
	Version  string
}

// StartEvent 通话开始事件
type StartEvent struct {
	StreamSid        string
	CallSid          string
	AccountSid       string
	From             string
	To               string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

// MediaFormat 音频格式描述
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaEvent 音频块事件，Payload为已解码的原始字节
type MediaEvent struct {
	StreamSid string
	Track     string
	Chunk     string
	Timestamp string
	Payload   []byte
}

// StopEvent 通话结束事件
type StopEvent struct {
	StreamSid string
	CallSid   string
}

// UnknownEvent 未识别的事件，调用方应忽略
type UnknownEvent struct {
	Name string
}

func (ConnectedEvent) Kind() EventKind { return EventConnected }
func (StartEvent) Kind() EventKind     { return EventStart }
func (MediaEvent) Kind() EventKind     { return EventMedia }
func (StopEvent) Kind() EventKind      { return EventStop }
func (e UnknownEvent) Kind() EventKind { return EventKind(e.Name) }

type inboundEnvelope struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Protocol  string        `json:"protocol"`
	Version   string        `json:"version"`
	Start     *startPayload `json:"start"`
	Media     *mediaPayload `json:"media"`
	Stop      *stopPayload  `json:"stop"`
}

type startPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type stopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// DecodeInbound 解析一条电话侧文本消息
func DecodeInbound(raw []byte) (InboundEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if env.Event == "" {
		return nil, ErrEmptyEvent
	}

	switch EventKind(env.Event) {
	case EventConnected:
		return ConnectedEvent{Protocol: env.Protocol, Version: env.Version}, nil

	case EventStart:
		if env.Start == nil {
			return nil, fmt.Errorf("%w: start payload missing", ErrMalformedEvent)
		}
		return decodeStart(env.StreamSid, env.Start), nil

	case EventMedia:
		if env.Media == nil {
			return nil, fmt.Errorf("%w: media payload missing", ErrMalformedEvent)
		}
		audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return MediaEvent{
			StreamSid: env.StreamSid,
			Track:     env.Media.Track,
			Chunk:     env.Media.Chunk,
			Timestamp: env.Media.Timestamp,
			Payload:   audio,
		}, nil

	case EventStop:
		stop := StopEvent{StreamSid: env.StreamSid}
		if env.Stop != nil {
			stop.CallSid = env.Stop.CallSid
		}
		return stop, nil

	default:
		return UnknownEvent{Name: env.Event}, nil
	}
}

func decodeStart(envStreamSid string, p *startPayload) StartEvent {
	start := StartEvent{
		StreamSid:        p.StreamSid,
		CallSid:          p.CallSid,
		AccountSid:       p.AccountSid,
		From:             p.From,
		To:               p.To,
		Tracks:           p.Tracks,
		MediaFormat:      p.MediaFormat,
		CustomParameters: p.CustomParameters,
	}

	if start.StreamSid == "" {
		start.StreamSid = envStreamSid
	}
	// 部分接入方式通过自定义参数传递主被叫号码
	if start.From == "" {
		start.From = p.CustomParameters["from"]
	}
	if start.To == "" {
		start.To = p.CustomParameters["to"]
	}

	return start
}

// Validate 检查建立会话所需的字段
func (e StartEvent) Validate() error {
	var missing []string
	if e.StreamSid == "" {
		missing = append(missing, "streamSid")
	}
	if e.CallSid == "" {
		missing = append(missing, "callSid")
	}
	if e.From == "" {
		missing = append(missing, "from")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingStartField, strings.Join(missing, ", "))
	}
	return nil
}

var callSidPattern = regexp.MustCompile(`"callSid"\s*:\s*"([^"]+)"`)

// RecoverCallSid 从无法正常解析的消息中尽力提取callSid，用于错误归属
func RecoverCallSid(raw []byte) string {
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err == nil {
		for _, key := range []string{"start", "stop"} {
			if nested, ok := probe[key].(map[string]any); ok {
				if sid, ok := nested["callSid"].(string); ok && sid != "" {
					return sid
				}
			}
		}
		if sid, ok := probe["callSid"].(string); ok {
			return sid
		}
		return ""
	}

	if m := callSidPattern.FindSubmatch(raw); m != nil {
		return string(m[1])
	}
	return ""
}

// OutboundMedia 发往电话侧的音频消息
type OutboundMedia struct {
	Event     EventKind            `json:"event"`
	StreamSid string               `json:"streamSid"`
	Media     OutboundMediaPayload `json:"media"`
}

// OutboundMediaPayload 出站音频负载
type OutboundMediaPayload struct {
	Payload string `json:"payload"`
}

// OutboundControl 发往电话侧的控制消息（clear等）
type OutboundControl struct {
	Event     EventKind `json:"event"`
	StreamSid string    `json:"streamSid"`
}

// EncodeMedia 将代理音频编码为电话侧media消息
func EncodeMedia(streamSid string, audio []byte) ([]byte, error) {
	return json.Marshal(OutboundMedia{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     OutboundMediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// EncodeClear 生成清空播放缓冲的clear消息
func EncodeClear(streamSid string) ([]byte, error) {
	return json.Marshal(OutboundControl{Event: EventClear, StreamSid: streamSid})
}
