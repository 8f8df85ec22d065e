package calendar

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEventNotFound = errors.New("calendar event not found")
	ErrInvalidRange  = errors.New("end time must be after start time")
)

// 事件状态
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Event 日历事件
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Status      string
	HTMLLink    string
	Attendees   []Attendee
}

// Attendee 参与者
type Attendee struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Overlaps 判断事件是否与区间 [start, end) 重叠
func (e Event) Overlaps(start, end time.Time) bool {
	return e.Start.Before(end) && e.End.After(start)
}

// Service 外部日历服务
type Service interface {
	// ListEvents 返回与区间重叠且未取消的事件，按开始时间排序
	ListEvents(ctx context.Context, start, end time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, ev Event) (Event, error)
	UpdateEvent(ctx context.Context, ev Event) (Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

// CheckAvailability 检查区间是否空闲，返回冲突事件
func CheckAvailability(ctx context.Context, svc Service, start, end time.Time) (bool, []Event, error) {
	if !end.After(start) {
		return false, nil, ErrInvalidRange
	}
	events, err := svc.ListEvents(ctx, start, end)
	if err != nil {
		return false, nil, err
	}
	return len(events) == 0, events, nil
}
