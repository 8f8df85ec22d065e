package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store 通话会话的外部持久化
type Store interface {
	// Create 新建会话，callSid重复时返回 ErrDuplicateCall
	Create(ctx context.Context, cs *CallSession) error
	// Get 读取会话，不存在时返回 ErrNotFound
	Get(ctx context.Context, callSid string) (*CallSession, error)
	// Finish 写入终态、结束时间与统计
	Finish(ctx context.Context, cs *CallSession) error
	// AttachRecording 追加录音信息，终态会话同样允许
	AttachRecording(ctx context.Context, callSid string, rec Recording) error
	// ExpireStale 把超过expires_at仍为active的会话标记为expired
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore 内存实现，用于本地运行和测试
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*CallSession),
	}
}

// Create 新建会话，同一callSid已有记录（含终态）时返回 ErrDuplicateCall
func (m *MemoryStore) Create(ctx context.Context, cs *CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[cs.CallSid]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCall, cs.CallSid)
	}
	m.sessions[cs.CallSid] = cs.Clone()
	return nil
}

// Get 读取会话
func (m *MemoryStore) Get(ctx context.Context, callSid string) (*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs, ok := m.sessions[callSid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, callSid)
	}
	return cs.Clone(), nil
}

// Finish 写入终态
func (m *MemoryStore) Finish(ctx context.Context, cs *CallSession) error {
	if !cs.Status.IsTerminal() {
		return fmt.Errorf("%w: finish with status %s", ErrInvalidTransition, cs.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[cs.CallSid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, cs.CallSid)
	}
	if existing.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, cs.Status)
	}

	updated := cs.Clone()
	if updated.Recording == nil && existing.Recording != nil {
		updated.Recording = existing.Recording
	}
	m.sessions[cs.CallSid] = updated
	return nil
}

// AttachRecording 追加录音信息
func (m *MemoryStore) AttachRecording(ctx context.Context, callSid string, rec Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.sessions[callSid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callSid)
	}
	cs.Recording = &rec
	return nil
}

// ExpireStale 标记过期会话
func (m *MemoryStore) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, cs := range m.sessions {
		if cs.Expired(now) {
			if err := cs.Transition(StatusExpired, now); err == nil {
				count++
			}
		}
	}
	return count, nil
}

// List 按开始时间返回全部会话
func (m *MemoryStore) List() []*CallSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*CallSession, 0, len(m.sessions))
	for _, cs := range m.sessions {
		out = append(out, cs.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
