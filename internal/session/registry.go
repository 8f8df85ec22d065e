package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSessionExpired 作为取消原因传给过期的通话
	ErrSessionExpired = errors.New("call session expired")
	// ErrShuttingDown 服务关闭时的取消原因
	ErrShuttingDown = errors.New("relay shutting down")
)

type registration struct {
	handle *Handle
	cancel context.CancelCauseFunc
}

// Registry 进程内活跃通话表，以callSid为键
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registration
}

// NewRegistry 创建通话表
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registration),
	}
}

// Register 登记一通活跃通话，返回注销函数
// 同一callSid同时只能存在一个
func (r *Registry) Register(callSid string, handle *Handle, cancel context.CancelCauseFunc) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[callSid]; exists {
		return nil, ErrDuplicateCall
	}

	reg := &registration{handle: handle, cancel: cancel}
	r.entries[callSid] = reg

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if current, ok := r.entries[callSid]; ok && current == reg {
				delete(r.entries, callSid)
			}
		})
	}, nil
}

// Lookup 按callSid查找句柄
func (r *Registry) Lookup(callSid string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[callSid]
	if !ok {
		return nil, false
	}
	return reg.handle, true
}

// Count 活跃通话数量
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Active 返回活跃会话快照，按开始时间排序
func (r *Registry) Active() []*CallSession {
	r.mu.RLock()
	sessions := make([]*CallSession, 0, len(r.entries))
	for _, reg := range r.entries {
		if snap := reg.handle.Snapshot(); snap != nil {
			sessions = append(sessions, snap)
		}
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions
}

// Cancel 以指定原因取消一通通话
func (r *Registry) Cancel(callSid string, cause error) bool {
	r.mu.RLock()
	reg, ok := r.entries[callSid]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	reg.cancel(cause)
	return true
}

// CancelAll 取消全部通话，返回数量
func (r *Registry) CancelAll(cause error) int {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.entries))
	for _, reg := range r.entries {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	for _, reg := range regs {
		reg.cancel(cause)
	}
	return len(regs)
}

// ExpireDue 取消所有已过期的通话，返回其callSid
func (r *Registry) ExpireDue(now time.Time) []string {
	r.mu.RLock()
	var due []string
	var regs []*registration
	for callSid, reg := range r.entries {
		snap := reg.handle.Snapshot()
		if snap != nil && snap.Expired(now) {
			due = append(due, callSid)
			regs = append(regs, reg)
		}
	}
	r.mu.RUnlock()

	for _, reg := range regs {
		reg.cancel(ErrSessionExpired)
	}
	sort.Strings(due)
	return due
}
