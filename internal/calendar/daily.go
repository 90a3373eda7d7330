package calendar

import (
	"fmt"
	"time"
)

// DailyCalendar excludes a time-of-day window, every day, within a zone.
// The window is [start, end); an inverted window (start after end) excludes
// the overnight-wrapping range instead (e.g. 22:00-06:00).
type DailyCalendar struct {
	chained
	loc                    *time.Location
	startH, startM, startS int
	endH, endM, endS       int
	invert                 bool
}

func NewDaily(base Calendar, loc *time.Location, start, end time.Duration) *DailyCalendar {
	if loc == nil {
		loc = time.UTC
	}
	d := &DailyCalendar{chained: chained{base: base, desc: "daily"}, loc: loc}
	d.setWindow(start, end)
	return d
}

func (d *DailyCalendar) setWindow(start, end time.Duration) {
	d.startH, d.startM, d.startS = splitDuration(start)
	d.endH, d.endM, d.endS = splitDuration(end)
	d.invert = end < start
}

func splitDuration(dur time.Duration) (h, m, s int) {
	total := int(dur / time.Second)
	h = (total / 3600) % 24
	m = (total / 60) % 60
	s = total % 60
	return
}

func (d *DailyCalendar) IsTimeIncluded(t time.Time) bool {
	lt := t.In(d.loc)
	sod := time.Duration(lt.Hour())*time.Hour + time.Duration(lt.Minute())*time.Minute + time.Duration(lt.Second())*time.Second
	start := time.Duration(d.startH)*time.Hour + time.Duration(d.startM)*time.Minute + time.Duration(d.startS)*time.Second
	end := time.Duration(d.endH)*time.Hour + time.Duration(d.endM)*time.Minute + time.Duration(d.endS)*time.Second

	inWindow := sod >= start && sod < end
	if d.invert {
		inWindow = sod >= start || sod < end
	}
	if inWindow {
		return false
	}
	return d.baseIncludes(t)
}

func (d *DailyCalendar) String() string {
	return fmt.Sprintf("daily[%02d:%02d:%02d-%02d:%02d:%02d %s]", d.startH, d.startM, d.startS, d.endH, d.endM, d.endS, d.loc)
}
