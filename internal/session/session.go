package session

import (
	"errors"
	"fmt"
	"time"
)

// Status 通话会话状态
type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
	StatusError   Status = "error"
)

var (
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrNotFound          = errors.New("call session not found")
	ErrDuplicateCall     = errors.New("call session already exists")
)

// IsTerminal 终态不可再迁移
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusExpired, StatusError:
		return true
	default:
		return false
	}
}

// IsValid 检查状态取值
func (s Status) IsValid() bool {
	return s == StatusActive || s.IsTerminal()
}

// CallSession 一通电话的持久化记录
type CallSession struct {
	CallSid         string     `json:"call_sid"`
	StreamSid       string     `json:"stream_sid"`
	FromNumber      string     `json:"from_number"`
	ToNumber        string     `json:"to_number"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`

	DecodeErrors int    `json:"decode_errors"`
	LastError    string `json:"last_error,omitempty"`

	Recording *Recording `json:"recording,omitempty"`
}

// Recording 录音回调附加的信息
type Recording struct {
	Sid             string `json:"recording_sid"`
	URL             string `json:"recording_url"`
	DurationSeconds int    `json:"recording_duration"`
}

// NewCallSession 创建处于active状态的会话
func NewCallSession(callSid, streamSid, from, to string, startedAt time.Time, ttl time.Duration) *CallSession {
	return &CallSession{
		CallSid:    callSid,
		StreamSid:  streamSid,
		FromNumber: from,
		ToNumber:   to,
		Status:     StatusActive,
		StartedAt:  startedAt,
		ExpiresAt:  startedAt.Add(ttl),
	}
}

// Transition 将会话迁移到终态
// 只允许 active -> ended/expired/error
func (cs *CallSession) Transition(to Status, at time.Time) error {
	if cs.Status != StatusActive || !to.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cs.Status, to)
	}

	if at.Before(cs.StartedAt) {
		at = cs.StartedAt
	}
	cs.Status = to
	cs.EndedAt = &at
	cs.DurationSeconds = at.Sub(cs.StartedAt).Seconds()
	return nil
}

// RecordDecodeError 记录一条无法解析的入站事件
func (cs *CallSession) RecordDecodeError(err error) {
	cs.DecodeErrors++
	if err != nil {
		cs.LastError = err.Error()
	}
}

// Expired 判断会话在给定时间是否已过期
func (cs *CallSession) Expired(now time.Time) bool {
	return cs.Status == StatusActive && !cs.ExpiresAt.IsZero() && now.After(cs.ExpiresAt)
}

// Clone 深拷贝，供跨协程读取
func (cs *CallSession) Clone() *CallSession {
	if cs == nil {
		return nil
	}
	cp := *cs
	if cs.EndedAt != nil {
		ended := *cs.EndedAt
		cp.EndedAt = &ended
	}
	if cs.Recording != nil {
		rec := *cs.Recording
		cp.Recording = &rec
	}
	return &cp
}
