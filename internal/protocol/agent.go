package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingType = errors.New("agent message missing type")
)

// AgentMessage 语音代理下发的控制消息
type AgentMessage interface {
	MessageType() string
}

// UserStartedSpeaking 用户开始说话（打断信号）
type UserStartedSpeaking struct{}

// FunctionCallRequest 代理请求执行一组工具函数
type FunctionCallRequest struct {
	Functions []FunctionCall `json:"functions"`
}

// FunctionCall 单个函数调用
type FunctionCall struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ClientSide bool   `json:"client_side"`

	// Invalid 非空表示该条目结构错误，只回送错误响应
	Invalid string `json:"-"`
}

// AgentError 代理报告的错误
type AgentError struct {
	Description string `json:"description"`
	Code        string `json:"code"`
}

// InfoMessage 只需记录日志的消息（Welcome、ConversationText等）
type InfoMessage struct {
	Type string
	Raw  json.RawMessage
}

// UnknownAgentMessage 未识别的消息类型
type UnknownAgentMessage struct {
	Type string
}

func (UserStartedSpeaking) MessageType() string   { return TypeUserStartedSpeaking }
func (FunctionCallRequest) MessageType() string   { return TypeFunctionCallRequest }
func (AgentError) MessageType() string            { return TypeError }
func (m InfoMessage) MessageType() string         { return m.Type }
func (m UnknownAgentMessage) MessageType() string { return m.Type }

// DecodeAgentMessage 解析代理的文本消息
func DecodeAgentMessage(raw []byte) (AgentMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	switch head.Type {
	case TypeUserStartedSpeaking:
		return UserStartedSpeaking{}, nil

	case TypeFunctionCallRequest:
		var envelope struct {
			Functions []json.RawMessage `json:"functions"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		req := FunctionCallRequest{Functions: make([]FunctionCall, 0, len(envelope.Functions))}
		for _, entry := range envelope.Functions {
			req.Functions = append(req.Functions, decodeFunctionCall(entry))
		}
		return req, nil

	case TypeError:
		var agentErr AgentError
		if err := json.Unmarshal(raw, &agentErr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return agentErr, nil
	}

	if IsInformational(head.Type) {
		return InfoMessage{Type: head.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	return UnknownAgentMessage{Type: head.Type}, nil
}

// decodeFunctionCall 逐条解析函数调用，失败时尽量保留id
func decodeFunctionCall(raw json.RawMessage) FunctionCall {
	var entry struct {
		ID         json.RawMessage `json:"id"`
		Name       json.RawMessage `json:"name"`
		Arguments  json.RawMessage `json:"arguments"`
		ClientSide json.RawMessage `json:"client_side"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return FunctionCall{Invalid: fmt.Sprintf("malformed function call: %v", err)}
	}

	var fc FunctionCall
	var problems []string

	id, err := scalarString(entry.ID)
	if err != nil {
		problems = append(problems, "id: "+err.Error())
	}
	fc.ID = id

	if fc.Name, err = scalarString(entry.Name); err != nil {
		problems = append(problems, "name: "+err.Error())
	}

	// 参数可以是JSON字符串或直接的对象
	args := bytes.TrimSpace(entry.Arguments)
	switch {
	case len(args) == 0 || bytes.Equal(args, []byte("null")):
	case args[0] == '"':
		if err := json.Unmarshal(args, &fc.Arguments); err != nil {
			problems = append(problems, "arguments: "+err.Error())
		}
	case args[0] == '{':
		fc.Arguments = string(args)
	default:
		problems = append(problems, "arguments: expected string or object")
	}

	if len(entry.ClientSide) > 0 {
		if err := json.Unmarshal(entry.ClientSide, &fc.ClientSide); err != nil {
			problems = append(problems, "client_side: "+err.Error())
		}
	}

	if len(problems) > 0 {
		fc.Invalid = fmt.Sprintf("malformed function call %s", problems[0])
	}
	return fc
}

// scalarString 接受字符串或数字形式的标量
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.New("expected string or number")
	}
	return n.String(), nil
}

// ParseArguments 解析函数参数，空字符串视为空对象
func (fc FunctionCall) ParseArguments() (map[string]any, error) {
	if fc.Invalid != "" {
		return nil, errors.New(fc.Invalid)
	}
	args := map[string]any{}
	if fc.Arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", fc.Name, err)
	}
	return args, nil
}

// FunctionCallResponse 回传给代理的函数结果
type FunctionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// NewFunctionCallResponse 构造函数结果消息，content为结果的JSON文本
func NewFunctionCallResponse(id, name string, result any) (FunctionCallResponse, error) {
	content, err := json.Marshal(result)
	if err != nil {
		return FunctionCallResponse{}, fmt.Errorf("encode result of %s: %w", name, err)
	}
	return FunctionCallResponse{
		Type:    TypeFunctionCallResponse,
		ID:      id,
		Name:    name,
		Content: string(content),
	}, nil
}

// KeepAlive 保活消息
type KeepAlive struct {
	Type string `json:"type"`
}

// NewKeepAlive 创建保活消息
func NewKeepAlive() KeepAlive {
	return KeepAlive{Type: TypeKeepAlive}
}
