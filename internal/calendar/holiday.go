package calendar

import "time"

// HolidayCalendar excludes whole calendar days named by explicit date,
// regardless of the time-of-day component.
type HolidayCalendar struct {
	chained
	days map[string]struct{}
}

func NewHoliday(base Calendar) *HolidayCalendar {
	return &HolidayCalendar{chained: chained{base: base, desc: "holiday"}, days: map[string]struct{}{}}
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

// AddExcludedDate marks the calendar day containing d as excluded.
func (h *HolidayCalendar) AddExcludedDate(d time.Time) {
	h.days[dayKey(d)] = struct{}{}
}

// RemoveExcludedDate un-marks a previously excluded day.
func (h *HolidayCalendar) RemoveExcludedDate(d time.Time) {
	delete(h.days, dayKey(d))
}

func (h *HolidayCalendar) ExcludedDates() []string {
	out := make([]string, 0, len(h.days))
	for k := range h.days {
		out = append(out, k)
	}
	return out
}

func (h *HolidayCalendar) IsTimeIncluded(t time.Time) bool {
	if _, excluded := h.days[dayKey(t)]; excluded {
		return false
	}
	return h.baseIncludes(t)
}
