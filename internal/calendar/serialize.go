package calendar

import (
	"encoding/json"
	"fmt"
	"time"
)

// calendarEnvelope is the persisted form of one calendar in a chain; Base
// nests the next link so the whole conjunction round-trips.
type calendarEnvelope struct {
	Type string            `json:"Type"`
	Base *calendarEnvelope `json:"Base,omitempty"`

	// AnnualCalendar: "01-02" month-day pairs. HolidayCalendar: full dates.
	Days []string `json:"Days,omitempty"`

	// MonthlyCalendar.
	DaysOfMonth []int `json:"DaysOfMonth,omitempty"`

	// WeeklyCalendar: 0=Sunday.
	DaysOfWeek []int `json:"DaysOfWeek,omitempty"`

	// DailyCalendar window, seconds since midnight.
	WindowStartSecond int    `json:"WindowStartSecond,omitempty"`
	WindowEndSecond   int    `json:"WindowEndSecond,omitempty"`
	TimeZone          string `json:"TimeZone,omitempty"`

	// CronCalendar.
	CronExpression string `json:"CronExpression,omitempty"`
}

// Marshal renders a calendar chain as JSON for the store layer.
func Marshal(c Calendar) ([]byte, error) {
	env, err := toEnvelope(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(data []byte) (Calendar, error) {
	var env calendarEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return fromEnvelope(&env)
}

func toEnvelope(c Calendar) (*calendarEnvelope, error) {
	if c == nil {
		return nil, nil
	}
	env := &calendarEnvelope{}
	switch v := c.(type) {
	case *AnnualCalendar:
		env.Type = "ANNUAL"
		for md := range v.excluded {
			env.Days = append(env.Days, fmt.Sprintf("%02d-%02d", int(md.month), md.day))
		}
	case *MonthlyCalendar:
		env.Type = "MONTHLY"
		for d := range v.excluded {
			env.DaysOfMonth = append(env.DaysOfMonth, d)
		}
	case *WeeklyCalendar:
		env.Type = "WEEKLY"
		for d := range v.excluded {
			env.DaysOfWeek = append(env.DaysOfWeek, int(d))
		}
	case *DailyCalendar:
		env.Type = "DAILY"
		// An inverted (overnight) window survives as end < start, which
		// setWindow re-derives on load.
		env.WindowStartSecond = v.startH*3600 + v.startM*60 + v.startS
		env.WindowEndSecond = v.endH*3600 + v.endM*60 + v.endS
		env.TimeZone = v.loc.String()
	case *HolidayCalendar:
		env.Type = "HOLIDAY"
		env.Days = v.ExcludedDates()
	case *CronCalendar:
		env.Type = "CRON"
		env.CronExpression = v.expr
	default:
		return nil, fmt.Errorf("marshal calendar: unknown variant %T", c)
	}
	base, err := toEnvelope(c.Base())
	if err != nil {
		return nil, err
	}
	env.Base = base
	return env, nil
}

func fromEnvelope(env *calendarEnvelope) (Calendar, error) {
	if env == nil {
		return nil, nil
	}
	base, err := fromEnvelope(env.Base)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case "ANNUAL":
		a := NewAnnual(base)
		for _, s := range env.Days {
			var m, d int
			if _, err := fmt.Sscanf(s, "%02d-%02d", &m, &d); err != nil {
				return nil, fmt.Errorf("unmarshal annual calendar day %q: %w", s, err)
			}
			a.SetDayExcluded(time.Month(m), d, true)
		}
		return a, nil
	case "MONTHLY":
		return NewMonthly(base, env.DaysOfMonth...), nil
	case "WEEKLY":
		days := make([]time.Weekday, 0, len(env.DaysOfWeek))
		for _, d := range env.DaysOfWeek {
			days = append(days, time.Weekday(d))
		}
		return NewWeekly(base, days...), nil
	case "DAILY":
		loc, err := time.LoadLocation(env.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("unmarshal daily calendar: %w", err)
		}
		start := time.Duration(env.WindowStartSecond) * time.Second
		end := time.Duration(env.WindowEndSecond) * time.Second
		return NewDaily(base, loc, start, end), nil
	case "HOLIDAY":
		h := NewHoliday(base)
		for _, s := range env.Days {
			d, err := time.Parse("2006-01-02", s)
			if err != nil {
				return nil, fmt.Errorf("unmarshal holiday calendar day %q: %w", s, err)
			}
			h.AddExcludedDate(d)
		}
		return h, nil
	case "CRON":
		return NewCron(base, env.CronExpression)
	default:
		return nil, fmt.Errorf("unmarshal calendar: unknown type %q", env.Type)
	}
}
