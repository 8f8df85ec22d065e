package agentconfig

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// WorkingHours 营业时间（本地小时）
type WorkingHours struct {
	Start int
	End   int
}

// DefaultWorkingHours 9:00 - 17:00
func DefaultWorkingHours() WorkingHours {
	return WorkingHours{Start: 9, End: 17}
}

// ResolveLocation 加载时区，未知时区回退到UTC
func ResolveLocation(name string) (*time.Location, string) {
	if name == "" {
		return time.UTC, "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, "UTC"
	}
	return loc, name
}

// NextWeekday 严格晚于当天的下一个指定星期几
func NextWeekday(from time.Time, target time.Weekday) time.Time {
	days := (int(target) - int(from.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return from.AddDate(0, 0, days)
}

// DateContext 生成注入提示词的当前日期时间说明
func DateContext(now time.Time, loc *time.Location, tzName string, hours WorkingHours) string {
	utc := now.UTC()
	local := now.In(loc)
	tomorrow := local.AddDate(0, 0, 1)
	nextWeek := local.AddDate(0, 0, 7)

	const (
		stamp = "2006-01-02 15:04:05"
		long  = "Monday, January 02, 2006"
		day   = "2006-01-02"
	)

	var b strings.Builder
	b.WriteString("Current Date and Time Context:\n")
	fmt.Fprintf(&b, "- Current UTC time: %s UTC\n", utc.Format(stamp))
	fmt.Fprintf(&b, "- Current local time (%s): %s %s\n", tzName, local.Format(stamp), tzName)
	fmt.Fprintf(&b, "- Today: %s\n", local.Format(long))
	fmt.Fprintf(&b, "- Tomorrow: %s\n", tomorrow.Format(long))
	fmt.Fprintf(&b, "- Next week: %s\n", nextWeek.Format(long))
	fmt.Fprintf(&b, "- Current working hours: %s - %s %s\n", clock(hours.Start), clock(hours.End), tzName)
	fmt.Fprintf(&b, "- Current day of week: %s\n", local.Format("Monday"))
	fmt.Fprintf(&b, "- Current month: %s\n", local.Format("January"))
	fmt.Fprintf(&b, "- Current year: %d\n", local.Year())

	b.WriteString("\nDate Reference Guide:\n")
	fmt.Fprintf(&b, "- \"today\" = %s\n", local.Format(day))
	fmt.Fprintf(&b, "- \"tomorrow\" = %s\n", tomorrow.Format(day))
	fmt.Fprintf(&b, "- \"next week\" = %s\n", nextWeek.Format(day))
	fmt.Fprintf(&b, "- \"this afternoon\" = %s (after 12:00 PM)\n", local.Format(day))
	fmt.Fprintf(&b, "- \"this evening\" = %s (after %s)\n", local.Format(day), clock(hours.End))

	weekdays := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday,
	}
	for i, wd := range weekdays {
		fmt.Fprintf(&b, "- \"next %s\" = %s", wd, NextWeekday(local, wd).Format(day))
		if i < len(weekdays)-1 {
			b.WriteByte('\n')
		}
	}

	return b.String()
}

// clock 把整点小时格式化为 "9:00 AM"
func clock(hour int) string {
	return time.Date(2000, 1, 1, hour, 0, 0, 0, time.UTC).Format("3:04 PM")
}
