package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Phase 句柄所处阶段
type Phase int32

const (
	PhasePending Phase = iota
	PhaseActive
	PhaseEnded
	PhaseError
)

var (
	ErrStreamIDAlreadySet = errors.New("stream id already set")
	ErrHandleClosed       = errors.New("session handle already terminated")
)

// String 返回阶段的字符串表示
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "PENDING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseEnded:
		return "ENDED"
	case PhaseError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Handle 单通电话共享的会话句柄
// streamSid 只写一次、多处读取；CallSession 记录只在此处变更
type Handle struct {
	mu        sync.Mutex
	ready     chan struct{}
	done      chan struct{}
	phase     Phase
	streamSid string
	record    *CallSession
	stats     *CallStats
}

// NewHandle 创建处于PENDING阶段的句柄
func NewHandle() *Handle {
	return &Handle{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		phase: PhasePending,
		stats: NewCallStats(),
	}
}

// Resolve 绑定会话记录并写入streamSid，PENDING -> ACTIVE
// 第二次调用返回 ErrStreamIDAlreadySet，不会覆盖已有值
func (h *Handle) Resolve(record *CallSession) error {
	if record == nil || record.StreamSid == "" {
		return fmt.Errorf("resolve session handle: empty stream id")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.phase {
	case PhasePending:
	case PhaseActive:
		return fmt.Errorf("%w: %s", ErrStreamIDAlreadySet, h.streamSid)
	default:
		return ErrHandleClosed
	}

	h.record = record.Clone()
	h.streamSid = record.StreamSid
	h.phase = PhaseActive
	close(h.ready)
	return nil
}

// StreamSid 等待streamSid可用
func (h *Handle) StreamSid(ctx context.Context) (string, error) {
	select {
	case <-h.ready:
		return h.resolvedStreamSid(), nil
	default:
	}

	select {
	case <-h.ready:
		return h.resolvedStreamSid(), nil
	case <-h.done:
		return "", ErrHandleClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *Handle) resolvedStreamSid() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamSid
}

// Ready 在streamSid写入后关闭
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// Done 在句柄进入终态后关闭
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Phase 当前阶段
func (h *Handle) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// Snapshot 返回会话记录副本，PENDING时为nil
func (h *Handle) Snapshot() *CallSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.Clone()
}

// Stats 通话统计
func (h *Handle) Stats() *CallStats {
	return h.stats
}

// RecordDecodeError 把解析失败计入会话记录
func (h *Handle) RecordDecodeError(err error) {
	h.stats.DecodeErrors.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.record != nil && h.phase == PhaseActive {
		h.record.RecordDecodeError(err)
	}
}

// NoteError 记录导致通话结束的错误
func (h *Handle) NoteError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.record != nil && h.phase == PhaseActive {
		h.record.LastError = err.Error()
	}
}

// Finish 迁移到终态并返回最终记录
// PENDING阶段结束时没有会话记录，返回nil
func (h *Handle) Finish(status Status, at time.Time) (*CallSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.phase == PhaseEnded || h.phase == PhaseError {
		return nil, ErrHandleClosed
	}

	if status == StatusError {
		h.phase = PhaseError
	} else {
		h.phase = PhaseEnded
	}
	close(h.done)

	if h.record == nil {
		return nil, nil
	}
	if err := h.record.Transition(status, at); err != nil {
		return nil, err
	}
	return h.record.Clone(), nil
}
