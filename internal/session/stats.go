package session

import (
	"sync/atomic"
	"time"
)

// CallStats 单通电话的运行统计
type CallStats struct {
	FramesToAgent   atomic.Int64
	BytesToAgent    atomic.Int64
	FramesToCaller  atomic.Int64
	BytesToCaller   atomic.Int64
	BargeIns        atomic.Int64
	FunctionCalls   atomic.Int64
	FunctionErrors  atomic.Int64
	DecodeErrors    atomic.Int64
	DroppedOutbound atomic.Int64

	// 最近一次入站音频时间（UnixNano）
	lastInbound atomic.Int64
}

// StatsSnapshot 统计快照，用于接口输出
type StatsSnapshot struct {
	FramesToAgent   int64     `json:"frames_to_agent"`
	BytesToAgent    int64     `json:"bytes_to_agent"`
	FramesToCaller  int64     `json:"frames_to_caller"`
	BytesToCaller   int64     `json:"bytes_to_caller"`
	BargeIns        int64     `json:"barge_ins"`
	FunctionCalls   int64     `json:"function_calls"`
	FunctionErrors  int64     `json:"function_errors"`
	DecodeErrors    int64     `json:"decode_errors"`
	DroppedOutbound int64     `json:"dropped_outbound"`
	LastInbound     time.Time `json:"last_inbound,omitempty"`
}

// NewCallStats 创建统计
func NewCallStats() *CallStats {
	return &CallStats{}
}

// MarkInbound 记录入站音频时间
func (s *CallStats) MarkInbound(at time.Time) {
	s.lastInbound.Store(at.UnixNano())
}

// Snapshot 读取当前统计
func (s *CallStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		FramesToAgent:   s.FramesToAgent.Load(),
		BytesToAgent:    s.BytesToAgent.Load(),
		FramesToCaller:  s.FramesToCaller.Load(),
		BytesToCaller:   s.BytesToCaller.Load(),
		BargeIns:        s.BargeIns.Load(),
		FunctionCalls:   s.FunctionCalls.Load(),
		FunctionErrors:  s.FunctionErrors.Load(),
		DecodeErrors:    s.DecodeErrors.Load(),
		DroppedOutbound: s.DroppedOutbound.Load(),
	}
	if ns := s.lastInbound.Load(); ns > 0 {
		snap.LastInbound = time.Unix(0, ns).UTC()
	}
	return snap
}
