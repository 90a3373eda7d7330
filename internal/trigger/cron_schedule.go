package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronSchedule wraps robfig/cron's six-field (second..day-of-week)
// evaluator with a seventh year field robfig/cron doesn't support, and a
// timezone.
//
// L, W and # are not implemented: robfig/cron/v3 doesn't parse them and
// no repo in the retrieval pack carries a parser that does (see DESIGN.md).
// ? is accepted in the day fields as a synonym for *.
type cronSchedule struct {
	expr   string
	loc    *time.Location
	sched  cron.Schedule
	yearOK func(year int) bool
}

var sixFieldParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCronSchedule(expr string, loc *time.Location) (*cronSchedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	fields := strings.Fields(expr)

	yearField := "*"
	rest := expr
	if len(fields) == 7 {
		yearField = fields[6]
		rest = strings.Join(fields[:6], " ")
	} else if len(fields) != 6 && !strings.HasPrefix(expr, "@") {
		return nil, fmt.Errorf("cron expression %q: expected 6 fields (sec..dow) or 7 fields (sec..year)", expr)
	}

	sched, err := sixFieldParser.Parse(rest)
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}

	yearOK, err := parseYearField(yearField)
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: year field: %w", expr, err)
	}

	return &cronSchedule{expr: expr, loc: loc, sched: sched, yearOK: yearOK}, nil
}

func parseYearField(field string) (func(int) bool, error) {
	field = strings.TrimSpace(field)
	if field == "" || field == "*" || field == "?" {
		return func(int) bool { return true }, nil
	}

	type yearRange struct{ lo, hi, step int }
	var ranges []yearRange

	for _, part := range strings.Split(field, ",") {
		step := 1
		rangePart := part
		if i := strings.Index(part, "/"); i >= 0 {
			rangePart = part[:i]
			s, err := strconv.Atoi(part[i+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			step = s
		}

		lo, hi := 0, 0
		if i := strings.Index(rangePart, "-"); i > 0 {
			a, err1 := strconv.Atoi(rangePart[:i])
			b, err2 := strconv.Atoi(rangePart[i+1:])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("invalid year range %q", rangePart)
			}
			lo, hi = a, b
		} else {
			y, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("invalid year %q", rangePart)
			}
			lo, hi = y, y
		}
		ranges = append(ranges, yearRange{lo, hi, step})
	}

	return func(year int) bool {
		for _, r := range ranges {
			if year < r.lo || year > r.hi {
				continue
			}
			if (year-r.lo)%r.step == 0 {
				return true
			}
		}
		return false
	}, nil
}

// next returns the first instant strictly after t that satisfies both the
// six-field schedule and the year filter, or the zero Time if the year
// filter can never be satisfied within the far-future guard.
func (c *cronSchedule) next(t time.Time) time.Time {
	cand := c.sched.Next(t.In(c.loc))
	for !cand.IsZero() {
		if c.yearOK(cand.Year()) {
			return cand
		}
		if cand.Year() > farFutureYearGuard {
			return time.Time{}
		}
		cand = c.sched.Next(cand)
	}
	return cand
}
