package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceCallRelay/internal/dispatch"
)

var base = time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

func newTestFunctions(t *testing.T) (*Functions, *MemoryCalendar) {
	t.Helper()
	cal := NewMemoryCalendar()
	return NewFunctions(cal, Options{Location: time.UTC}), cal
}

func book(t *testing.T, cal *MemoryCalendar, summary string, start time.Time, d time.Duration) Event {
	t.Helper()
	ev, err := cal.CreateEvent(context.Background(), Event{Summary: summary, Start: start, End: start.Add(d)})
	require.NoError(t, err)
	return ev
}

// TestRegisterAllFunctions 测试五个函数全部注册
func TestRegisterAllFunctions(t *testing.T) {
	fns, _ := newTestFunctions(t)
	reg := dispatch.NewRegistry()
	require.NoError(t, fns.Register(reg))
	assert.ElementsMatch(t, Names(), reg.Names())

	// 重复注册报错
	assert.ErrorIs(t, fns.Register(reg), dispatch.ErrDuplicateFunction)

	names := make([]string, 0)
	for _, decl := range Declarations() {
		names = append(names, decl.Name)
	}
	assert.Equal(t, Names(), names)
}

// TestCheckAvailabilityFree 测试空闲时间段
func TestCheckAvailabilityFree(t *testing.T) {
	fns, _ := newTestFunctions(t)

	out, err := fns.CheckAvailability(context.Background(), map[string]any{
		"datetime_start": "2025-01-06T10:00:00Z",
		"datetime_end":   "2025-01-06T11:00:00Z",
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, true, result["available"])
	assert.Empty(t, result["suggested_alternatives"])
}

// TestCheckAvailabilityConflictAlternatives 测试冲突时给出最多三个备选
func TestCheckAvailabilityConflictAlternatives(t *testing.T) {
	fns, cal := newTestFunctions(t)
	book(t, cal, "Dentist", base, time.Hour)
	// +2小时也被占用
	book(t, cal, "Lunch", base.Add(2*time.Hour), time.Hour)

	out, err := fns.CheckAvailability(context.Background(), map[string]any{
		"datetime_start": "2025-01-06T10:00:00Z",
		"datetime_end":   "2025-01-06T11:00:00Z",
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, false, result["available"])
	assert.Equal(t, []string{"Dentist"}, result["conflicting_events"])

	alts := result["suggested_alternatives"].([]map[string]any)
	require.Len(t, alts, 3)
	assert.Equal(t, "2025-01-06T11:00:00Z", alts[0]["start"])
	assert.Equal(t, "2025-01-06T13:00:00Z", alts[1]["start"])
	assert.Equal(t, "2025-01-06T09:00:00Z", alts[2]["start"])
	assert.Equal(t, "Available at 11:00 AM", alts[0]["message"])
}

// TestCheckAvailabilityErrors 测试参数错误返回error
func TestCheckAvailabilityErrors(t *testing.T) {
	fns, _ := newTestFunctions(t)
	ctx := context.Background()

	_, err := fns.CheckAvailability(ctx, map[string]any{})
	assert.ErrorIs(t, err, ErrMissingArgument)

	_, err = fns.CheckAvailability(ctx, map[string]any{"datetime_start": "next tuesday"})
	assert.ErrorIs(t, err, ErrInvalidTime)

	_, err = fns.CheckAvailability(ctx, map[string]any{
		"datetime_start": "2025-01-06T11:00:00Z",
		"datetime_end":   "2025-01-06T10:00:00Z",
	})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

// TestCreateRescheduleCancel 测试预约的创建、改期与取消
func TestCreateRescheduleCancel(t *testing.T) {
	fns, cal := newTestFunctions(t)
	ctx := context.Background()

	out, err := fns.CreateEvent(ctx, map[string]any{
		"summary":        "Jan Peeters",
		"datetime_start": "2025-01-06T10:00:00Z",
		"datetime_end":   "2025-01-06T10:30:00Z",
		"attendees":      []any{"jan@example.test"},
	})
	require.NoError(t, err)
	created := out.(map[string]any)
	assert.Equal(t, true, created["success"])
	assert.Equal(t, "2025-01-06T10:00:00Z", created["start_time"])
	assert.Equal(t, 1, cal.Len())

	out, err = fns.RescheduleAppointment(ctx, map[string]any{
		"original_datetime":  "2025-01-06T10:00:00Z",
		"new_datetime_start": "2025-01-07T14:00:00Z",
		"reason":             "caller is travelling",
	})
	require.NoError(t, err)
	moved := out.(map[string]any)
	assert.Equal(t, true, moved["success"])
	assert.Equal(t, created["event_id"], moved["event_id"])

	events, err := cal.ListEvents(ctx, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 30*time.Minute, events[0].End.Sub(events[0].Start))
	assert.Contains(t, events[0].Description, "Rescheduled: caller is travelling")

	out, err = fns.CancelAppointment(ctx, map[string]any{
		"datetime_start": "2025-01-07T14:15:00Z",
		"reason":         "feeling better",
	})
	require.NoError(t, err)
	cancelled := out.(map[string]any)
	assert.Equal(t, true, cancelled["success"])
	assert.Equal(t, "Jan Peeters", cancelled["cancelled_appointment"])
	assert.Contains(t, cancelled["message"], "Reason: feeling better")
	assert.Equal(t, 0, cal.Len())
}

// TestRescheduleAndCancelNotFound 测试找不到预约时返回失败结果而非错误
func TestRescheduleAndCancelNotFound(t *testing.T) {
	fns, _ := newTestFunctions(t)
	ctx := context.Background()

	out, err := fns.RescheduleAppointment(ctx, map[string]any{
		"original_datetime":  "2025-01-06T10:00:00Z",
		"new_datetime_start": "2025-01-07T10:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, false, out.(map[string]any)["success"])

	out, err = fns.CancelAppointment(ctx, map[string]any{"datetime_start": "2025-01-06T10:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "No appointment found around the specified time", out.(map[string]any)["error"])
}

// TestGetAppointmentDetailsAttendeeFilter 测试按参与者过滤
func TestGetAppointmentDetailsAttendeeFilter(t *testing.T) {
	fns, cal := newTestFunctions(t)
	ctx := context.Background()

	_, err := cal.CreateEvent(ctx, Event{
		Summary: "A", Start: base, End: base.Add(time.Hour),
		Attendees: []Attendee{{Email: "ann@example.test", Name: "Ann"}},
	})
	require.NoError(t, err)
	book(t, cal, "B", base.Add(2*time.Hour), time.Hour)

	out, err := fns.GetAppointmentDetails(ctx, map[string]any{
		"datetime_start": "2025-01-06T00:00:00Z",
		"datetime_end":   "2025-01-07T00:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.(map[string]any)["count"])

	out, err = fns.GetAppointmentDetails(ctx, map[string]any{
		"datetime_start": "2025-01-06T00:00:00Z",
		"datetime_end":   "2025-01-07T00:00:00Z",
		"attendee":       "ANN",
	})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, 1, result["count"])
	assert.Equal(t, "A", result["appointments"].([]map[string]any)[0]["summary"])
}

// TestParseTimeLocal 测试无时区时间按日历时区解释
func TestParseTimeLocal(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Brussels")
	require.NoError(t, err)

	got, err := ParseTime("2025-01-06T10:00", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), got.UTC())

	got, err = ParseTime("2025-01-06T10:00:00Z", loc)
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

// TestFunctionsThroughDispatcher 测试经由调度器调用时失败转为错误结果
func TestFunctionsThroughDispatcher(t *testing.T) {
	fns, _ := newTestFunctions(t)
	reg := dispatch.NewRegistry()
	require.NoError(t, fns.Register(reg))
	d := dispatch.NewDispatcher(reg)

	result := d.Dispatch(context.Background(), FnCreateEvent, map[string]any{"datetime_start": "2025-01-06T10:00:00Z"})
	assert.Equal(t, map[string]any{"error": "failed to create appointment: missing argument: summary"}, result)
}
