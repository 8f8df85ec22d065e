package calendar

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"VoiceCallRelay/internal/dispatch"
)

// 注册到调度器的函数名
const (
	FnCheckAvailability     = "check_calendar_availability"
	FnCreateEvent           = "create_calendar_event"
	FnRescheduleAppointment = "reschedule_appointment"
	FnCancelAppointment     = "cancel_appointment"
	FnGetAppointmentDetails = "get_appointment_details"
)

var (
	ErrMissingArgument = errors.New("missing argument")
	ErrInvalidTime     = errors.New("invalid datetime")
)

// 冲突时依次尝试的偏移量
var alternativeOffsets = []time.Duration{
	time.Hour, 2 * time.Hour, 3 * time.Hour, -time.Hour, -2 * time.Hour,
}

const (
	maxAlternatives = 3
	cancelWindow    = 30 * time.Minute
)

// Options 日历函数配置
type Options struct {
	Location            *time.Location
	AppointmentDuration time.Duration
	Logger              zerolog.Logger
}

// Functions 面向语音代理的日历操作
type Functions struct {
	svc      Service
	loc      *time.Location
	duration time.Duration
	logger   zerolog.Logger
}

// NewFunctions 创建日历函数集
func NewFunctions(svc Service, opts Options) *Functions {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.AppointmentDuration <= 0 {
		opts.AppointmentDuration = time.Hour
	}
	return &Functions{
		svc:      svc,
		loc:      opts.Location,
		duration: opts.AppointmentDuration,
		logger:   opts.Logger,
	}
}

// Register 把五个日历函数注册到调度器
func (f *Functions) Register(reg *dispatch.Registry) error {
	ops := map[string]dispatch.OperationFunc{
		FnCheckAvailability:     f.CheckAvailability,
		FnCreateEvent:           f.CreateEvent,
		FnRescheduleAppointment: f.RescheduleAppointment,
		FnCancelAppointment:     f.CancelAppointment,
		FnGetAppointmentDetails: f.GetAppointmentDetails,
	}
	for _, name := range Names() {
		if err := reg.Register(name, ops[name]); err != nil {
			return err
		}
	}
	return nil
}

// Names 日历函数名列表
func Names() []string {
	return []string{
		FnCheckAvailability,
		FnCreateEvent,
		FnRescheduleAppointment,
		FnCancelAppointment,
		FnGetAppointmentDetails,
	}
}

// CheckAvailability 检查时间段是否空闲，冲突时给出备选
func (f *Functions) CheckAvailability(ctx context.Context, args map[string]any) (any, error) {
	start, end, err := f.timeRange(args, "datetime_start", "datetime_end")
	if err != nil {
		return nil, fmt.Errorf("failed to check availability: %w", err)
	}

	f.logger.Info().Time("start", start).Time("end", end).Msg("Checking calendar availability")

	available, conflicts, err := CheckAvailability(ctx, f.svc, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to check availability: %w", err)
	}

	if available {
		return map[string]any{
			"available":              true,
			"message":                "Time slot is available",
			"suggested_alternatives": []map[string]any{},
		}, nil
	}

	names := make([]string, 0, len(conflicts))
	for _, ev := range conflicts {
		names = append(names, summaryOr(ev.Summary, "Unknown event"))
	}

	return map[string]any{
		"available":              false,
		"message":                "Time slot is not available",
		"conflicting_events":     names,
		"suggested_alternatives": f.alternatives(ctx, start, end),
	}, nil
}

// alternatives 当天前后几个小时，不够时再试第二天同一时间
func (f *Functions) alternatives(ctx context.Context, start, end time.Time) []map[string]any {
	duration := end.Sub(start)
	out := []map[string]any{}

	for _, offset := range alternativeOffsets {
		altStart := start.Add(offset)
		if ok, _, err := CheckAvailability(ctx, f.svc, altStart, altStart.Add(duration)); err != nil || !ok {
			continue
		}
		out = append(out, map[string]any{
			"start":   f.format(altStart),
			"end":     f.format(altStart.Add(duration)),
			"message": "Available at " + altStart.In(f.loc).Format("03:04 PM"),
		})
		if len(out) >= maxAlternatives {
			return out
		}
	}

	nextDay := start.AddDate(0, 0, 1)
	if ok, _, err := CheckAvailability(ctx, f.svc, nextDay, nextDay.Add(duration)); err == nil && ok {
		out = append(out, map[string]any{
			"start":   f.format(nextDay),
			"end":     f.format(nextDay.Add(duration)),
			"message": "Available tomorrow at " + nextDay.In(f.loc).Format("03:04 PM"),
		})
	}
	return out
}

// CreateEvent 创建预约
func (f *Functions) CreateEvent(ctx context.Context, args map[string]any) (any, error) {
	summary, _ := stringArg(args, "summary")
	if summary == "" {
		return nil, fmt.Errorf("failed to create appointment: %w: summary", ErrMissingArgument)
	}
	start, end, err := f.timeRange(args, "datetime_start", "datetime_end")
	if err != nil {
		return nil, fmt.Errorf("failed to create appointment: %w", err)
	}

	description, _ := stringArg(args, "description")
	if description == "" {
		description = "Appointment: " + summary
	}

	ev, err := f.svc.CreateEvent(ctx, Event{
		Summary:     summary,
		Description: description,
		Start:       start,
		End:         end,
		Attendees:   attendeesArg(args),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appointment: %w", err)
	}

	f.logger.Info().Str("event_id", ev.ID).Str("summary", summary).Msg("Calendar event created")

	return map[string]any{
		"success":    true,
		"event_id":   ev.ID,
		"html_link":  ev.HTMLLink,
		"summary":    ev.Summary,
		"start_time": f.format(ev.Start),
		"end_time":   f.format(ev.End),
		"message":    "Appointment successfully created",
	}, nil
}

// RescheduleAppointment 把原时间的预约移到新时间
func (f *Functions) RescheduleAppointment(ctx context.Context, args map[string]any) (any, error) {
	original, err := f.timeArg(args, "original_datetime")
	if err != nil {
		return nil, fmt.Errorf("failed to reschedule appointment: %w", err)
	}
	newStart, err := f.timeArg(args, "new_datetime_start")
	if err != nil {
		return nil, fmt.Errorf("failed to reschedule appointment: %w", err)
	}

	events, err := f.svc.ListEvents(ctx, original, original.Add(time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to reschedule appointment: %w", err)
	}
	if len(events) == 0 {
		return map[string]any{
			"success": false,
			"error":   "No appointment found at the specified time",
		}, nil
	}

	ev := events[0]
	newEnd := newStart.Add(ev.End.Sub(ev.Start))
	if _, ok := args["new_datetime_end"]; ok {
		if newEnd, err = f.timeArg(args, "new_datetime_end"); err != nil {
			return nil, fmt.Errorf("failed to reschedule appointment: %w", err)
		}
	}

	ev.Start, ev.End = newStart, newEnd
	if reason, _ := stringArg(args, "reason"); reason != "" {
		ev.Description = strings.TrimSpace(ev.Description + "\n\nRescheduled: " + reason)
	}

	updated, err := f.svc.UpdateEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to reschedule appointment: %w", err)
	}

	return map[string]any{
		"success":       true,
		"event_id":      updated.ID,
		"original_time": f.format(original),
		"new_time":      f.format(newStart),
		"message":       "Appointment successfully rescheduled",
	}, nil
}

// CancelAppointment 取消离指定时间最近的预约（前后30分钟内）
func (f *Functions) CancelAppointment(ctx context.Context, args map[string]any) (any, error) {
	at, err := f.timeArg(args, "datetime_start")
	if err != nil {
		return nil, fmt.Errorf("failed to cancel appointment: %w", err)
	}

	events, err := f.svc.ListEvents(ctx, at.Add(-cancelWindow), at.Add(cancelWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to cancel appointment: %w", err)
	}
	if len(events) == 0 {
		return map[string]any{
			"success":     false,
			"error":       "No appointment found around the specified time",
			"suggestions": "Please check the exact time of your appointment",
		}, nil
	}

	closest := events[0]
	best := math.Abs(closest.Start.Sub(at).Seconds())
	for _, ev := range events[1:] {
		if diff := math.Abs(ev.Start.Sub(at).Seconds()); diff < best {
			best, closest = diff, ev
		}
	}

	if err := f.svc.DeleteEvent(ctx, closest.ID); err != nil {
		return nil, fmt.Errorf("failed to cancel appointment: %w", err)
	}

	summary := summaryOr(closest.Summary, "Unknown appointment")
	result := map[string]any{
		"success":               true,
		"cancelled_appointment": summary,
		"original_time":         f.format(closest.Start),
		"message":               fmt.Sprintf("Appointment '%s' has been successfully cancelled", summary),
	}
	if reason, _ := stringArg(args, "reason"); reason != "" {
		result["cancellation_reason"] = reason
		result["message"] = fmt.Sprintf("%s. Reason: %s", result["message"], reason)
	}
	return result, nil
}

// GetAppointmentDetails 列出时间范围内的预约，可按参与者过滤
func (f *Functions) GetAppointmentDetails(ctx context.Context, args map[string]any) (any, error) {
	start, end, err := f.timeRange(args, "datetime_start", "datetime_end")
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment details: %w", err)
	}

	events, err := f.svc.ListEvents(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment details: %w", err)
	}

	attendee, _ := stringArg(args, "attendee")
	attendee = strings.ToLower(attendee)

	appointments := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		if attendee != "" && !hasAttendee(ev, attendee) {
			continue
		}
		appointments = append(appointments, map[string]any{
			"id":          ev.ID,
			"summary":     ev.Summary,
			"description": ev.Description,
			"start_time":  f.format(ev.Start),
			"end_time":    f.format(ev.End),
			"status":      ev.Status,
			"attendees":   ev.Attendees,
		})
	}

	return map[string]any{
		"success":      true,
		"appointments": appointments,
		"count":        len(appointments),
		"time_range": map[string]any{
			"start": f.format(start),
			"end":   f.format(end),
		},
	}, nil
}

func hasAttendee(ev Event, needle string) bool {
	for _, a := range ev.Attendees {
		if strings.Contains(strings.ToLower(a.Email), needle) ||
			strings.Contains(strings.ToLower(a.Name), needle) {
			return true
		}
	}
	return false
}

// timeRange 读取起止时间，缺少结束时间时使用默认预约时长
func (f *Functions) timeRange(args map[string]any, startKey, endKey string) (time.Time, time.Time, error) {
	start, err := f.timeArg(args, startKey)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	end := start.Add(f.duration)
	if _, ok := args[endKey]; ok {
		if end, err = f.timeArg(args, endKey); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}
	return start, end, nil
}

// 没有时区信息的时间按日历所在时区解释
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func (f *Functions) timeArg(args map[string]any, key string) (time.Time, error) {
	raw, ok := stringArg(args, key)
	if !ok || raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	return ParseTime(raw, f.loc)
}

// ParseTime 解析ISO 8601时间
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
}

func (f *Functions) format(t time.Time) string {
	return t.In(f.loc).Format(time.RFC3339)
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// attendeesArg 支持字符串列表或 {email, name} 对象列表
func attendeesArg(args map[string]any) []Attendee {
	raw, ok := args["attendees"].([]any)
	if !ok {
		return nil
	}

	var out []Attendee
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, Attendee{Email: v})
		case map[string]any:
			email, _ := v["email"].(string)
			name, _ := v["name"].(string)
			out = append(out, Attendee{Email: email, Name: name})
		}
	}
	return out
}

func summaryOr(summary, fallback string) string {
	if summary == "" {
		return fallback
	}
	return summary
}
