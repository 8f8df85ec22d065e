package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCalendar 进程内日历实现
type MemoryCalendar struct {
	mu     sync.RWMutex
	events map[string]Event
}

// NewMemoryCalendar 创建内存日历
func NewMemoryCalendar() *MemoryCalendar {
	return &MemoryCalendar{
		events: make(map[string]Event),
	}
}

// ListEvents 返回重叠事件
func (m *MemoryCalendar) ListEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, ev := range m.events {
		if ev.Status != StatusCancelled && ev.Overlaps(start, end) {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

// CreateEvent 创建事件
func (m *MemoryCalendar) CreateEvent(ctx context.Context, ev Event) (Event, error) {
	if !ev.End.After(ev.Start) {
		return Event{}, ErrInvalidRange
	}

	ev.ID = uuid.NewString()
	ev.Status = StatusConfirmed
	ev.HTMLLink = fmt.Sprintf("memory://calendar/events/%s", ev.ID)

	m.mu.Lock()
	m.events[ev.ID] = copyEvent(ev)
	m.mu.Unlock()

	return ev, nil
}

// UpdateEvent 更新事件
func (m *MemoryCalendar) UpdateEvent(ctx context.Context, ev Event) (Event, error) {
	if !ev.End.After(ev.Start) {
		return Event{}, ErrInvalidRange
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.events[ev.ID]
	if !ok || existing.Status == StatusCancelled {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, ev.ID)
	}
	ev.HTMLLink = existing.HTMLLink
	if ev.Status == "" {
		ev.Status = existing.Status
	}
	m.events[ev.ID] = copyEvent(ev)
	return ev, nil
}

// DeleteEvent 删除事件
func (m *MemoryCalendar) DeleteEvent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[id]; !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	delete(m.events, id)
	return nil
}

// Len 事件数量
func (m *MemoryCalendar) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func copyEvent(ev Event) Event {
	if ev.Attendees != nil {
		ev.Attendees = append([]Attendee(nil), ev.Attendees...)
	}
	return ev
}
