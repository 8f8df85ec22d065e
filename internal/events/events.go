package events

import (
	"context"
	"time"
)

// 通话事件类型
const (
	TypeCallStarted  = "call.started"
	TypeCallFinished = "call.finished"
	TypeCallRejected = "call.rejected"
	TypeRecording    = "call.recording"
)

// CallEvent 通话生命周期事件
type CallEvent struct {
	Type            string
	CallSid         string
	StreamSid       string
	Status          string
	From            string
	To              string
	Reason          string
	DurationSeconds float64
	FramesToAgent   int64
	FramesToCaller  int64
	At              time.Time
}

// Values 转换为流消息字段
func (e CallEvent) Values() map[string]interface{} {
	values := map[string]interface{}{
		"type":     e.Type,
		"call_sid": e.CallSid,
		"at":       e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.StreamSid != "" {
		values["stream_sid"] = e.StreamSid
	}
	if e.Status != "" {
		values["status"] = e.Status
	}
	if e.From != "" {
		values["from"] = e.From
	}
	if e.To != "" {
		values["to"] = e.To
	}
	if e.Reason != "" {
		values["reason"] = e.Reason
	}
	if e.Type == TypeCallFinished {
		values["duration_seconds"] = e.DurationSeconds
		values["frames_to_agent"] = e.FramesToAgent
		values["frames_to_caller"] = e.FramesToCaller
	}
	return values
}

// Publisher 通话事件发布接口
type Publisher interface {
	Publish(ctx context.Context, event CallEvent) error
}

// NopPublisher 不发布任何事件
type NopPublisher struct{}

// Publish 丢弃事件
func (NopPublisher) Publish(context.Context, CallEvent) error { return nil }
