package agentconfig

import (
	"encoding/json"
	"fmt"
	"os"
)

// DateContextPlaceholder 提示词中被替换为日期上下文的占位符
const DateContextPlaceholder = "{current_date_context}"

// Settings 连接建立后发送给语音代理的首条配置消息
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

// AudioSettings 双向音频格式
type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

// AudioFormat 音频编码
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

// AgentSettings 代理行为配置
type AgentSettings struct {
	Language string        `json:"language,omitempty"`
	Listen   ProviderBlock `json:"listen"`
	Think    ThinkSettings `json:"think"`
	Speak    ProviderBlock `json:"speak"`
	Greeting string        `json:"greeting,omitempty"`
}

// ProviderBlock 语音识别/合成服务提供方
type ProviderBlock struct {
	Provider map[string]any `json:"provider"`
}

// ThinkSettings 对话模型配置
type ThinkSettings struct {
	Provider  map[string]any        `json:"provider"`
	Prompt    string                `json:"prompt"`
	Functions []FunctionDeclaration `json:"functions,omitempty"`
}

// FunctionDeclaration 向代理声明的可调用函数
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// LoadTemplate 从JSON文件读取配置模板
func LoadTemplate(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取代理配置模板失败: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("解析代理配置模板失败: %w", err)
	}
	if s.Type == "" {
		s.Type = "Settings"
	}
	return &s, nil
}

// DefaultTemplate 内置模板：8kHz μ-law 双向音频
func DefaultTemplate() *Settings {
	return &Settings{
		Type: "Settings",
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: "mulaw", SampleRate: 8000},
			Output: AudioFormat{Encoding: "mulaw", SampleRate: 8000, Container: "none"},
		},
		Agent: AgentSettings{
			Language: "en",
			Listen: ProviderBlock{Provider: map[string]any{
				"type":  "deepgram",
				"model": "nova-3",
			}},
			Think: ThinkSettings{
				Provider: map[string]any{
					"type":        "open_ai",
					"model":       "gpt-4o-mini",
					"temperature": 0.7,
				},
				Prompt: defaultPrompt,
			},
			Speak: ProviderBlock{Provider: map[string]any{
				"type":  "deepgram",
				"model": "aura-2-thalia-en",
			}},
			Greeting: "Hello! How can I help you with your appointment today?",
		},
	}
}

const defaultPrompt = `You are a friendly phone receptionist who books, moves and cancels appointments.
Keep answers short and conversational. Always confirm the date and time back to the caller
before creating, rescheduling or cancelling anything. Use the calendar functions for every
availability question; never guess.

` + DateContextPlaceholder
